// Package protocol implements the relay wire format: a growable big-endian
// Buffer codec, the 5-byte frame header shared by every message, and the
// message type table. Frames look like:
//
//	[total_length:2][correlation_id:2][message_type:1][payload...]
//
// where total_length includes the header itself.
package protocol

import "fmt"

// ProtocolVersion is exchanged during the handshake; mismatching clients are ignored.
const ProtocolVersion uint16 = 1

// DefaultMaxPacketSize is the largest frame sent without fragmentation
// unless configured otherwise.
const DefaultMaxPacketSize = 1024

// Width is the number of bytes an enumeration occupies on the wire.
type Width int

const (
	Width8  Width = 1
	Width16 Width = 2
	Width32 Width = 4
)

// MessageType tags every frame at offset 4. Requests and responses share
// the same numbering.
type MessageType uint8

// MessageTypeWidth is the wire width of MessageType.
const MessageTypeWidth = Width8

const (
	// System messages
	MsgDisconnect   MessageType = 0x00
	MsgHandshake    MessageType = 0x01
	MsgFragmentData MessageType = 0x02 // Segment of a fragmented message
	MsgReliable     MessageType = 0x03 // Batch of sub-frames re-injected into ingress
	MsgLatency      MessageType = 0x04

	// Domain messages (handled outside the transport core)
	MsgAuthentication      MessageType = 0x05
	MsgEnter               MessageType = 0x06
	MsgQuit                MessageType = 0x07
	MsgCustom              MessageType = 0x08
	MsgPasswordRequirement MessageType = 0x09
	MsgTraveling           MessageType = 0x0A
	MsgTransform           MessageType = 0x0B
	MsgTeleport            MessageType = 0x0C
	MsgAvatarChanged       MessageType = 0x0D
	MsgServerConfig        MessageType = 0x0E
	MsgAvatarParams        MessageType = 0x0F
	MsgJoin                MessageType = 0x10
	MsgStatus              MessageType = 0x11
	MsgLeave               MessageType = 0x12

	// Fragmentation control
	MsgFragmentStart MessageType = 0x13
	MsgFragmentEnd   MessageType = 0x14
	MsgFragmentAbort MessageType = 0x15

	MsgNone MessageType = 0xFF
)

var messageTypeNames = map[MessageType]string{
	MsgDisconnect:          "disconnect",
	MsgHandshake:           "handshake",
	MsgFragmentData:        "fragment_data",
	MsgReliable:            "reliable",
	MsgLatency:             "latency",
	MsgAuthentication:      "authentication",
	MsgEnter:               "enter",
	MsgQuit:                "quit",
	MsgCustom:              "custom",
	MsgPasswordRequirement: "password_requirement",
	MsgTraveling:           "traveling",
	MsgTransform:           "transform",
	MsgTeleport:            "teleport",
	MsgAvatarChanged:       "avatar_changed",
	MsgServerConfig:        "server_config",
	MsgAvatarParams:        "avatar_params",
	MsgJoin:                "join",
	MsgStatus:              "status",
	MsgLeave:               "leave",
	MsgFragmentStart:       "fragment_start",
	MsgFragmentEnd:         "fragment_end",
	MsgFragmentAbort:       "fragment_abort",
	MsgNone:                "none",
}

// String returns the lowercase name of the message type, or its hex value.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", uint8(t))
}

// Write encodes t into b with MessageTypeWidth.
func (t MessageType) Write(b *Buffer) bool {
	return b.WriteEnum(uint32(t), MessageTypeWidth)
}

// ReadMessageType decodes a MessageType, returning MsgDisconnect (0) on a short buffer.
func ReadMessageType(b *Buffer) MessageType {
	return MessageType(b.ReadEnum(MessageTypeWidth))
}

// HandshakeFlags is sent in the handshake reply.
type HandshakeFlags uint8

// HandshakeFlagsWidth is the wire width of HandshakeFlags.
const HandshakeFlagsWidth = Width8

const (
	HandshakeNone      HandshakeFlags = 0
	HandshakeIsOffline HandshakeFlags = 1 << 0 // No master server configured
)
