// Package hopsec establishes mutually authenticated, end-to-end encrypted
// channels between self-sovereign identities across multi-hop routes.
//
// A Node ties the building blocks together: a vault holding every private key,
// an identity with a signed change history, credentials, a router of
// addressable workers, secure channels on top of it, and transports (QUIC, or
// in-memory links in tests) carrying routing envelopes between nodes. A
// forwarding service lets a node that cannot be dialed be reached through a
// relay.
package hopsec
