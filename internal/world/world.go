// Package world holds the in-memory state of active worlds and the logic
// that mutates it: admission, block-edit arbitration, chunk streaming, the
// tick broadcaster, and the persistence loops. Each world is guarded by a
// single mutex; store I/O never happens while it is held.
package world

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"deepforge/server/internal/coords"
	"deepforge/server/internal/gen"
	"deepforge/server/internal/metrics"
	"deepforge/server/internal/proto"
	"deepforge/server/internal/store"
)

// Meta mirrors the durable world attributes the core needs at runtime.
type Meta struct {
	ID               string
	Name             string
	Owner            string
	IsPublic         bool
	MaxPlayers       int
	GeneratorVersion int
	RegistryVersion  int
}

type section struct {
	blocks     []uint16
	version    int64
	dirty      bool
	fromStore  bool
	lastAccess time.Time
}

// World is the in-memory mirror of one active world. All mutable fields are
// guarded by mu; store I/O is never performed while it is held.
type World struct {
	meta Meta

	mu           sync.Mutex
	participants map[string]*Participant
	sections     map[string]*section
	subIndex     map[string]map[string]struct{}
	editCache    *lru.LRU[string, proto.BlockEvent]

	st      store.Store
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics

	flushKick chan struct{}
}

func newWorld(meta Meta, st store.Store, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *World {
	if meta.MaxPlayers <= 0 || meta.MaxPlayers > MaxParticipants {
		meta.MaxPlayers = MaxParticipants
	}
	return &World{
		meta:         meta,
		participants: make(map[string]*Participant),
		sections:     make(map[string]*section),
		subIndex:     make(map[string]map[string]struct{}),
		editCache:    lru.NewLRU[string, proto.BlockEvent](editCacheSize, nil, RequestIDTTL),
		st:           st,
		clock:        clk,
		log:          log.With(zap.String("world", meta.ID)),
		metrics:      m,
		flushKick:    make(chan struct{}, 1),
	}
}

// ID returns the world identifier.
func (w *World) ID() string { return w.meta.ID }

// Persistent reports whether this world is backed by the store.
func (w *World) Persistent() bool { return w.meta.ID != DefaultWorldID }

// ParticipantCount returns the number of admitted participants.
func (w *World) ParticipantCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.participants)
}

// Participant looks up an admitted participant by id.
func (w *World) Participant(id string) (*Participant, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.participants[id]
	return p, ok
}

// addParticipant inserts p if a seat is free, returning false when the world
// is full. The capacity check and the insert share one critical section so
// the eight-seat bound holds at every observable moment.
func (w *World) addParticipant(p *Participant) (already []proto.PlayerInfo, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.participants) >= w.meta.MaxPlayers {
		return nil, false
	}
	already = make([]proto.PlayerInfo, 0, len(w.participants))
	for _, other := range w.participants {
		already = append(already, other.Info())
	}
	w.participants[p.ID] = p
	w.metrics.Participants.WithLabelValues(w.meta.ID).Set(float64(len(w.participants)))
	return already, true
}

// removeParticipant drops the participant and every subscription index entry
// that references it, reporting whether it was present and whether the world
// is now empty.
func (w *World) removeParticipant(id string) (found, empty bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.participants[id]
	if !ok {
		return false, len(w.participants) == 0
	}
	for sec := range p.subscribed {
		w.dropSubscriberLocked(sec, id)
	}
	p.subscribed = make(map[string]struct{})
	p.pending = nil
	delete(w.participants, id)
	w.metrics.Participants.WithLabelValues(w.meta.ID).Set(float64(len(w.participants)))
	return true, len(w.participants) == 0
}

func (w *World) dropSubscriberLocked(sectionID, participantID string) {
	subs, ok := w.subIndex[sectionID]
	if !ok {
		return
	}
	delete(subs, participantID)
	if len(subs) == 0 {
		delete(w.subIndex, sectionID)
	}
}

// peersSnapshot copies the current peer set for lock-free sends.
func (w *World) peersSnapshot() []Peer {
	w.mu.Lock()
	defer w.mu.Unlock()
	peers := make([]Peer, 0, len(w.participants))
	for _, p := range w.participants {
		peers = append(peers, p.peer)
	}
	return peers
}

// subscriberPeers copies the peers subscribed to a section.
func (w *World) subscriberPeers(sectionID string) []Peer {
	w.mu.Lock()
	defer w.mu.Unlock()
	subs := w.subIndex[sectionID]
	peers := make([]Peer, 0, len(subs))
	for id := range subs {
		if p, ok := w.participants[id]; ok {
			peers = append(peers, p.peer)
		}
	}
	return peers
}

// broadcast sends frame to every admitted connection. A failed send is left
// to that connection's own disconnect path.
func (w *World) broadcast(frame any) {
	for _, peer := range w.peersSnapshot() {
		_ = peer.Send(frame)
	}
}

// broadcastToSection sends frame to every subscriber of the section.
func (w *World) broadcastToSection(sectionID string, frame any) {
	for _, peer := range w.subscriberPeers(sectionID) {
		_ = peer.Send(frame)
	}
}

// ensureSection returns the in-memory section, loading it from the store or
// generating the baseline on first touch. The lock is released around the
// store read; if a concurrent loader wins the race its copy is kept.
func (w *World) ensureSection(ctx context.Context, id coords.SectionID) (*section, error) {
	key := id.String()

	w.mu.Lock()
	if sec, ok := w.sections[key]; ok {
		sec.lastAccess = w.clock.Now()
		w.mu.Unlock()
		return sec, nil
	}
	w.mu.Unlock()

	loaded, err := w.loadSection(ctx, id)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if sec, ok := w.sections[key]; ok {
		sec.lastAccess = w.clock.Now()
		return sec, nil
	}
	loaded.lastAccess = w.clock.Now()
	w.sections[key] = loaded
	return loaded, nil
}

func (w *World) loadSection(ctx context.Context, id coords.SectionID) (*section, error) {
	if w.Persistent() {
		row, err := w.st.LoadSection(ctx, w.meta.ID, id.String())
		switch {
		case err == nil:
			blocks, derr := proto.BlocksFromBlob(row.Blocks)
			if derr != nil {
				return nil, errors.Wrapf(derr, "corrupt section %s", id)
			}
			return &section{blocks: blocks, version: row.Version, fromStore: true}, nil
		case errors.Is(err, store.ErrNotFound):
			// fall through to baseline
		default:
			return nil, errors.Wrapf(err, "load section %s", id)
		}
	}
	return &section{blocks: gen.Baseline(id), version: 0}, nil
}

// dirtySnapshot clones every dirty section so the flush can serialize and
// write without the lock.
func (w *World) dirtySnapshot() []store.Section {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []store.Section
	for key, sec := range w.sections {
		if !sec.dirty {
			continue
		}
		blob, err := proto.BlocksToBlob(sec.blocks)
		if err != nil {
			w.log.Error("skipping unserializable section", zap.String("section", key), zap.Error(err))
			continue
		}
		out = append(out, store.Section{ID: key, Blocks: blob, Version: sec.version})
	}
	return out
}

// clearDirty resets the dirty flag for sections whose version still matches
// the flushed batch; sections edited during the flush stay dirty.
func (w *World) clearDirty(batch []store.Section) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, flushed := range batch {
		if sec, ok := w.sections[flushed.ID]; ok && sec.version == flushed.Version {
			sec.dirty = false
			sec.fromStore = true
		}
	}
}

func (w *World) dirtyCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, sec := range w.sections {
		if sec.dirty {
			n++
		}
	}
	return n
}

// kickFlush requests an out-of-cycle flush; used for back-pressure when the
// dirty set crosses DirtyLimit.
func (w *World) kickFlush() {
	select {
	case w.flushKick <- struct{}{}:
	default:
	}
}

// snapshotFrame builds the SNAPSHOT for the current tick, or nil when the
// world has no participants.
func (w *World) snapshotFrame(now time.Time) *proto.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.participants) == 0 {
		return nil
	}
	players := make([]proto.PlayerMotion, 0, len(w.participants))
	for _, p := range w.participants {
		players = append(players, p.motion())
	}
	return &proto.Snapshot{
		Type:            proto.TypeSnapshot,
		ProtocolVersion: proto.ProtocolVersion,
		ServerTime:      now.UnixMilli(),
		Players:         players,
	}
}

// HandleInput applies a motion update. Positions are coarsely clamped to the
// world bounds; a sequence regression far beyond reordering means the client
// restarted and is told to resync.
func (w *World) HandleInput(p *Participant, msg proto.Input) {
	const resyncGap = 1000

	w.mu.Lock()
	resync := msg.Seq > 0 && p.LastInputSeq > msg.Seq+resyncGap
	p.Position = clampPosition(msg.Position)
	p.Velocity = msg.Velocity
	p.Yaw = msg.Yaw
	p.Pitch = msg.Pitch
	if msg.Seq > p.LastInputSeq || resync {
		p.LastInputSeq = msg.Seq
	}
	p.LastActivity = w.clock.Now()
	peer := p.peer
	w.mu.Unlock()

	if resync {
		_ = peer.Send(proto.Resync{
			Type:            proto.TypeResync,
			ProtocolVersion: proto.ProtocolVersion,
			Reason:          "input sequence regressed",
		})
	}
}

// Touch refreshes the participant's activity clock; called for every inbound
// frame so the stale reaper only fires on genuinely silent connections.
func (w *World) Touch(p *Participant) {
	w.mu.Lock()
	p.LastActivity = w.clock.Now()
	w.mu.Unlock()
}

func clampPosition(pos proto.Vec3) proto.Vec3 {
	pos.X = clamp(pos.X, 0, float64(coords.WorldSizeX))
	pos.Y = clamp(pos.Y, 0, float64(coords.WorldSizeY))
	pos.Z = clamp(pos.Z, 0, float64(coords.WorldSizeZ))
	return pos
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
