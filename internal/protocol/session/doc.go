// Package session owns the router wire exchange.
//
// Ownership boundary:
// - one TCP connection per command (dial, write, read, close)
// - the process-wide wire lock every exchange holds end to end
// - exchange timing and reply size limits
// - exchange observers (trace, metrics)
//
// Nothing above this package touches a socket.
package session
