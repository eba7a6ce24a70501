// Package sshconn dials SSH connections for the protocol packages and
// tracks whether the underlying transport is still alive.
//
// Authentication uses the target's private key and/or password (with a
// keyboard-interactive fallback answering every prompt with the password).
// Host keys are verified against the target's known_hosts file when one is
// configured and accepted unchecked otherwise.
//
// Liveness is tracked by a goroutine waiting on the client transport, so
// Conn.Alive and Conn.Closed never touch the network.
package sshconn
