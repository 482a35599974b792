// Package keys implements the key-pairs that identify relay nodes.
//
// Every relay owns a secp256k1 key-pair. The hex encoding of the uncompressed
// public key is the node's PeerID: the identity announced in election messages
// and used by the transport. Priority between peers is never decided on the
// PeerID itself but on its digest (see the crypto package).
package keys
