package protocol

// PacketType identifies what a packet's payload carries.
type PacketType uint32

const (
	TypeConnection PacketType = 0
	TypeMsg        PacketType = 1
	TypeAudio      PacketType = 2
	TypeVideo      PacketType = 3
)

// ReservedTypeBase marks the start of the protocol-internal type range.
// Types at or above this value never carry application data; the default
// dispatcher passes them through untouched.
const ReservedTypeBase PacketType = 900

// TypeKeyExchange carries a peer's serialized public key. It is sent
// unencrypted as the very first frame on a new connection in each direction.
const TypeKeyExchange PacketType = 901

// Control strings carried by TypeConnection packets.
const (
	PayloadSuccess      = "SUCCESS"
	PayloadDisconnected = "DISCONNECTED"
	PayloadIsAlive      = "IS_ALIVE"
)

// Application reports whether t is in the application type range.
func (t PacketType) Application() bool {
	return t < ReservedTypeBase
}

func (t PacketType) String() string {
	switch t {
	case TypeConnection:
		return "CONNECTION"
	case TypeMsg:
		return "MSG"
	case TypeAudio:
		return "AUDIO"
	case TypeVideo:
		return "VIDEO"
	case TypeKeyExchange:
		return "KEY_EXCHANGE"
	default:
		return "UNKNOWN"
	}
}
