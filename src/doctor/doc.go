// Package doctor keeps track of the broadcasts that reached nobody, and
// retries them.
//
// A relay publishing on a topic nobody listens to, or whose transport fails,
// loses the message. When diagnostics are turned on, such publications are
// appended to a persistent queue (Log). The Doctor worker takes the oldest
// entry at a fixed interval, publishes it again, removes it, and trims the
// queue so that it never holds more than a maximum number of entries.
//
// The queue can be inspected and cleared from the command line with
// "relay doctor list" and "relay doctor clear".
package doctor
