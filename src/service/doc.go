// Package service exposes the status of a relay over HTTP: the current leader,
// the candidate peers, a health report and some stats.
package service
