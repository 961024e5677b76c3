// Package protocol defines the WebSocket message contract: binary audio
// frames, JSON control messages from the client and JSON transcript events
// sent back to it.
package protocol
