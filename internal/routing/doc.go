// Package routing tracks asserted crosspoints until router status confirms or
// corrects them.
package routing
