// Package protocol defines the runner wire format: a fixed binary
// frame header carrying a sequence number and message type, followed
// by a JSON payload. Both directions of the runner/control-plane link
// use the same envelope shape.
package protocol
