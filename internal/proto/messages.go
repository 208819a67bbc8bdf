// Package proto defines the version-1 wire protocol: JSON frames over a
// websocket text stream, discriminated by "type". Every frame carries
// protocol_version.
package proto

// ProtocolVersion is the wire protocol generation this server speaks.
const ProtocolVersion = 1

// MaxFrameSize bounds inbound payloads; oversize frames close the connection
// with a protocol-error code.
const MaxFrameSize = 64 * 1024

// Frame type discriminators.
const (
	TypeHello            = "HELLO"
	TypeInput            = "INPUT"
	TypeSubscribe        = "SUBSCRIBE"
	TypeBlockEditRequest = "BLOCK_EDIT_REQUEST"

	TypeWelcome     = "WELCOME"
	TypeSnapshot    = "SNAPSHOT"
	TypeSectionData = "SECTION_DATA"
	TypeBlockEvent  = "BLOCK_EVENT"
	TypePlayerJoin  = "PLAYER_JOIN"
	TypePlayerLeave = "PLAYER_LEAVE"
	TypeError       = "ERROR"
	TypeResync      = "RESYNC"
	TypeRedirect    = "REDIRECT"
)

// Error codes carried by ERROR frames.
const (
	CodeAuthFailed        = "auth_failed"
	CodeAuthExpired       = "auth_expired"
	CodeWorldNotFound     = "world_not_found"
	CodeWorldFull         = "world_full"
	CodeRegistryMismatch  = "registry_mismatch"
	CodeGeneratorMismatch = "generator_mismatch"
	CodeRateLimited       = "rate_limited"
	CodeInvalidRequest    = "invalid_request"
	CodeOutOfBounds       = "out_of_bounds"
	CodePermissionDenied  = "permission_denied"
)

// Websocket close codes.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 1002
	CloseInvalidOrigin = 4403
	CloseRateLimited   = 4429
)

// Block-edit reject reasons carried by BLOCK_EVENT frames.
const (
	RejectRateLimited    = "rate limited"
	RejectOutOfBounds    = "out of bounds"
	RejectTooFar         = "too far"
	RejectNothingToBreak = "nothing to break"
	RejectBlockOccupied  = "block occupied"
	RejectInsideSelf     = "cannot place inside self"
	RejectFailedApply    = "failed to apply edit"
)

// INPUT bitfield bits.
const (
	InputForward = 1 << 0
	InputBack    = 1 << 1
	InputLeft    = 1 << 2
	InputRight   = 1 << 3
	InputJump    = 1 << 4
	InputSneak   = 1 << 5
)

// Header carries the fields common to every frame; inbound dispatch decodes it
// first and then re-decodes into the concrete frame type.
type Header struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
}

// Vec3 is a world-space vector.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Hello is the handshake frame and must be the first inbound frame.
type Hello struct {
	Type             string `json:"type"`
	ProtocolVersion  int    `json:"protocol_version"`
	RegistryVersion  int    `json:"registry_version"`
	GeneratorVersion int    `json:"generator_version"`
	Token            string `json:"jwt"`
	WorldID          string `json:"world_id"`
}

// Input reports client motion and held controls.
type Input struct {
	Type            string  `json:"type"`
	ProtocolVersion int     `json:"protocol_version"`
	Seq             uint64  `json:"seq"`
	Position        Vec3    `json:"position"`
	Velocity        Vec3    `json:"velocity"`
	Yaw             float64 `json:"yaw"`
	Pitch           float64 `json:"pitch"`
	Inputs          uint8   `json:"inputs"`
}

// Subscribe adds and removes section subscriptions in one frame.
type Subscribe struct {
	Type            string   `json:"type"`
	ProtocolVersion int      `json:"protocol_version"`
	Subscribe       []string `json:"subscribe,omitempty"`
	Unsubscribe     []string `json:"unsubscribe,omitempty"`
}

// BlockEditRequest asks the server to place or break one block.
type BlockEditRequest struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	RequestID       string `json:"request_id"`
	X               int    `json:"x"`
	Y               int    `json:"y"`
	Z               int    `json:"z"`
	BlockID         uint16 `json:"block_id"`
}

// PlayerInfo describes an admitted participant.
type PlayerInfo struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Position Vec3    `json:"position"`
	Yaw      float64 `json:"yaw"`
	Pitch    float64 `json:"pitch"`
}

// Welcome completes a successful handshake.
type Welcome struct {
	Type             string       `json:"type"`
	ProtocolVersion  int          `json:"protocol_version"`
	PlayerID         string       `json:"player_id"`
	WorldID          string       `json:"world_id"`
	SpawnPosition    Vec3         `json:"spawn_position"`
	Players          []PlayerInfo `json:"players"`
	RegistryVersion  int          `json:"registry_version"`
	GeneratorVersion int          `json:"generator_version"`
}

// PlayerMotion is one participant's entry in a SNAPSHOT frame.
type PlayerMotion struct {
	ID           string  `json:"id"`
	Position     Vec3    `json:"position"`
	Velocity     Vec3    `json:"velocity"`
	Yaw          float64 `json:"yaw"`
	Pitch        float64 `json:"pitch"`
	LastInputSeq uint64  `json:"last_input_seq"`
}

// Snapshot is the 20 Hz motion broadcast.
type Snapshot struct {
	Type            string         `json:"type"`
	ProtocolVersion int            `json:"protocol_version"`
	ServerTime      int64          `json:"server_time"`
	Players         []PlayerMotion `json:"players"`
}

// SectionData streams one section's blocks to a subscriber.
type SectionData struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	SectionID       string `json:"section_id"`
	Version         int64  `json:"version"`
	Blocks          string `json:"blocks"`
	FromStore       bool   `json:"from_store"`
}

// BlockEvent is the arbiter's verdict on a BLOCK_EDIT_REQUEST. Accepted
// events are broadcast to the section's subscribers; rejections go only to
// the originator.
type BlockEvent struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	RequestID       string `json:"request_id"`
	Accepted        bool   `json:"accepted"`
	X               int    `json:"x"`
	Y               int    `json:"y"`
	Z               int    `json:"z"`
	BlockID         uint16 `json:"block_id"`
	PreviousBlockID uint16 `json:"previous_block_id"`
	SectionID       string `json:"section_id,omitempty"`
	SectionVersion  int64  `json:"section_version,omitempty"`
	RejectReason    string `json:"reject_reason,omitempty"`
	PlayerID        string `json:"player_id,omitempty"`
}

// PlayerJoin announces a new participant to a world.
type PlayerJoin struct {
	Type            string     `json:"type"`
	ProtocolVersion int        `json:"protocol_version"`
	Player          PlayerInfo `json:"player"`
}

// PlayerLeave announces a departure.
type PlayerLeave struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	PlayerID        string `json:"player_id"`
}

// ErrorFrame reports a protocol, authorization, or capacity failure. Fatal
// errors are followed by a close with code 1000.
type ErrorFrame struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
	Fatal           bool   `json:"fatal"`
}

// Resync tells a client its view has diverged and it should re-subscribe.
type Resync struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	Reason          string `json:"reason"`
}

// Redirect points a client at the instance already hosting its world.
type Redirect struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	URL             string `json:"url"`
}

// NewError builds an ERROR frame.
func NewError(code, message string, fatal bool) ErrorFrame {
	return ErrorFrame{
		Type:            TypeError,
		ProtocolVersion: ProtocolVersion,
		Code:            code,
		Message:         message,
		Fatal:           fatal,
	}
}
