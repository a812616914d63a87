// Package matrix is the protocol client: one method per catalogue command,
// each a single exchange through the shared session transport.
//
// Queries that come back empty or unparseable return ErrNoReply. Routes only
// fail when the router cannot be reached.
package matrix
