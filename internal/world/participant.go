package world

import (
	"time"

	"deepforge/server/internal/proto"
	"deepforge/server/internal/ratelimit"
)

// Peer is the connection handle a participant writes through. The transport
// owns the underlying connection; Send must serialize concurrent writers and
// report a failed or closed connection with an error. CloseWith is
// best-effort.
type Peer interface {
	Send(frame any) error
	CloseWith(code int, reason string)
}

// Participant is one admitted user inside a world. Mutable fields are guarded
// by the owning world's lock.
type Participant struct {
	ID   string
	Name string

	Position proto.Vec3
	Velocity proto.Vec3
	Yaw      float64
	Pitch    float64

	LastInputSeq uint64
	LastActivity time.Time

	subscribed map[string]struct{}
	pending    []string

	editWindow *ratelimit.Window
	subWindow  *ratelimit.Window

	peer Peer
}

func newParticipant(id, name string, spawn proto.Vec3, peer Peer, now time.Time) *Participant {
	return &Participant{
		ID:           id,
		Name:         name,
		Position:     spawn,
		LastActivity: now,
		subscribed:   make(map[string]struct{}),
		editWindow:   ratelimit.NewWindow(EditsPerSecond, time.Second),
		subWindow:    ratelimit.NewWindow(SubscribesPerSecond, time.Second),
		peer:         peer,
	}
}

// Info renders the participant for WELCOME and PLAYER_JOIN frames.
func (p *Participant) Info() proto.PlayerInfo {
	return proto.PlayerInfo{
		ID:       p.ID,
		Name:     p.Name,
		Position: p.Position,
		Yaw:      p.Yaw,
		Pitch:    p.Pitch,
	}
}

func (p *Participant) motion() proto.PlayerMotion {
	return proto.PlayerMotion{
		ID:           p.ID,
		Position:     p.Position,
		Velocity:     p.Velocity,
		Yaw:          p.Yaw,
		Pitch:        p.Pitch,
		LastInputSeq: p.LastInputSeq,
	}
}
