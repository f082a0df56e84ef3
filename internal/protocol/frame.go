// Package protocol defines the frame format spoken on every plex stream.
package protocol

// Frame type constants.
const (
	TypeOpen         uint8 = 0x01 // first frame of a stream, payload is the channel name
	TypeHandshake    uint8 = 0x02 // handshake payload
	TypeHandshakeAck uint8 = 0x03 // empty payload accepts, otherwise the reject reason
	TypeMessage      uint8 = 0x04 // opaque message, e.g. one RPC envelope
)

// HeaderSize is the fixed header size: Type(1) + Length(4).
const HeaderSize = 5

// MaxPayloadSize bounds a single frame so a corrupt length can't make the
// reader allocate unbounded memory.
const MaxPayloadSize = 4 * 1024 * 1024

// Frame is one length-prefixed unit on a stream.
type Frame struct {
	Type    uint8
	Payload []byte
}
