// Package events carries notifications from the core to its consumers.
package events
