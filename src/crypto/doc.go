// Package crypto holds the hashing and encryption primitives of the relay.
//
// Digest gives every peer identity a fixed-length Keccak-256 digest whose
// lexicographic order is the election priority order. SecureChannel seals
// election messages under a group key so that relays configured with
// different group keys ignore each other.
package crypto
