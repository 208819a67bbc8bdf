package world

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"deepforge/server/internal/auth"
	"deepforge/server/internal/gen"
	"deepforge/server/internal/metrics"
	"deepforge/server/internal/proto"
	"deepforge/server/internal/store"
)

// RegistryConfig identifies this server instance to the session registry.
type RegistryConfig struct {
	InstanceID string
	PublicURL  string
}

// Registry owns every active world and runs the shared loops: tick
// broadcast, chunk streaming, persistence, session heartbeat, and the stale
// reaper.
type Registry struct {
	cfg      RegistryConfig
	st       store.Store
	verifier *auth.Verifier
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	worlds map[string]*World

	flushNow chan struct{}
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg RegistryConfig, st store.Store, verifier *auth.Verifier, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		cfg:      cfg,
		st:       st,
		verifier: verifier,
		clock:    clk,
		log:      log.Named("registry"),
		metrics:  m,
		worlds:   make(map[string]*World),
		flushNow: make(chan struct{}, 1),
	}
}

// Startup clears session rows orphaned by a previous crash of this instance.
func (r *Registry) Startup(ctx context.Context) error {
	return errors.Wrap(r.st.MarkSessionsOffline(ctx, r.cfg.InstanceID), "clear stale session rows")
}

// AdmitError describes a failed handshake. Fatal errors close the connection
// after the ERROR frame; a redirect sends REDIRECT instead of ERROR.
type AdmitError struct {
	Code        string
	Message     string
	Fatal       bool
	RedirectURL string
}

func (e *AdmitError) Error() string { return e.Code + ": " + e.Message }

// Admission is the successful result of a handshake.
type Admission struct {
	World       *World
	Participant *Participant
	Welcome     proto.Welcome
}

// Admit runs the handshake sequence for a HELLO frame. On success the
// participant holds a seat and PLAYER_JOIN has been broadcast to the rest of
// the world.
func (r *Registry) Admit(ctx context.Context, hello proto.Hello, peer Peer) (*Admission, *AdmitError) {
	if hello.ProtocolVersion != proto.ProtocolVersion {
		return nil, &AdmitError{Code: proto.CodeInvalidRequest, Message: "unsupported protocol version", Fatal: true}
	}
	if hello.RegistryVersion != RegistryVersion {
		return nil, &AdmitError{Code: proto.CodeRegistryMismatch, Message: "registry version mismatch", Fatal: true}
	}
	if hello.GeneratorVersion != gen.Version {
		return nil, &AdmitError{Code: proto.CodeGeneratorMismatch, Message: "generator version mismatch", Fatal: true}
	}
	if hello.WorldID == "" {
		return nil, &AdmitError{Code: proto.CodeInvalidRequest, Message: "world_id required", Fatal: true}
	}

	ident, err := r.verifier.Verify(ctx, hello.Token)
	if err != nil {
		code := proto.CodeAuthFailed
		if errors.Is(err, auth.ErrAuthExpired) {
			code = proto.CodeAuthExpired
		}
		return nil, &AdmitError{Code: code, Message: "credential rejected", Fatal: true}
	}

	meta, aerr := r.resolveWorld(ctx, hello.WorldID, ident)
	if aerr != nil {
		return nil, aerr
	}

	name := ident.DisplayName
	if name == "" {
		if fetched, derr := r.st.DisplayName(ctx, ident.UserID); derr == nil {
			name = fetched
		} else {
			name = store.FallbackDisplayName(ident.UserID)
		}
	}

	sx, sy, sz := gen.SpawnPosition()
	spawn := proto.Vec3{X: sx, Y: sy, Z: sz}
	p := newParticipant(ident.UserID, name, spawn, peer, r.clock.Now())

	var w *World
	var already []proto.PlayerInfo
	for {
		w = r.getOrCreate(*meta)

		// A reconnecting user supersedes their previous connection. The
		// seat is handed over directly so the world never goes through an
		// empty state.
		if prev, ok := w.Participant(ident.UserID); ok {
			prev.peer.CloseWith(proto.CloseNormal, "superseded by new connection")
			r.dropParticipant(ctx, w, prev)
		}

		var ok, current bool
		already, ok, current = r.seatParticipant(w, p)
		if !current {
			// Lost a race with eviction; resolve a fresh instance.
			continue
		}
		if !ok {
			return nil, &AdmitError{Code: proto.CodeWorldFull, Message: "world has no free seats", Fatal: false}
		}
		break
	}

	if w.Persistent() {
		if err := r.st.RecordJoin(ctx, w.ID(), ident.UserID, name); err != nil {
			r.log.Warn("record_join failed", zap.String("world", w.ID()), zap.Error(err))
		}
		if err := r.st.RegisterSession(ctx, w.ID(), r.cfg.InstanceID, r.cfg.PublicURL); err != nil {
			r.log.Warn("register_session failed", zap.String("world", w.ID()), zap.Error(err))
		}
	}

	join := proto.PlayerJoin{
		Type:            proto.TypePlayerJoin,
		ProtocolVersion: proto.ProtocolVersion,
		Player:          p.Info(),
	}
	for _, peer := range w.peersSnapshot() {
		if peer == p.peer {
			continue
		}
		_ = peer.Send(join)
	}

	welcome := proto.Welcome{
		Type:             proto.TypeWelcome,
		ProtocolVersion:  proto.ProtocolVersion,
		PlayerID:         p.ID,
		WorldID:          w.ID(),
		SpawnPosition:    spawn,
		Players:          already,
		RegistryVersion:  RegistryVersion,
		GeneratorVersion: gen.Version,
	}
	r.log.Info("participant admitted",
		zap.String("world", w.ID()),
		zap.String("player", p.ID),
		zap.Int("seats", w.ParticipantCount()))
	return &Admission{World: w, Participant: p, Welcome: welcome}, nil
}

// resolveWorld checks existence, bans, and visibility against the store. The
// default world bypasses all of it.
func (r *Registry) resolveWorld(ctx context.Context, worldID string, ident auth.Identity) (*Meta, *AdmitError) {
	if worldID == DefaultWorldID {
		return &Meta{
			ID:               DefaultWorldID,
			Name:             "Default World",
			IsPublic:         true,
			MaxPlayers:       MaxParticipants,
			GeneratorVersion: gen.Version,
			RegistryVersion:  RegistryVersion,
		}, nil
	}

	durable, err := r.st.GetWorld(ctx, worldID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &AdmitError{Code: proto.CodeWorldNotFound, Message: "no such world", Fatal: true}
	}
	if err != nil {
		r.log.Error("world lookup failed", zap.String("world", worldID), zap.Error(err))
		return nil, &AdmitError{Code: proto.CodeInvalidRequest, Message: "store unavailable", Fatal: true}
	}
	if durable.GeneratorVersion != gen.Version {
		return nil, &AdmitError{Code: proto.CodeGeneratorMismatch, Message: "world generator version mismatch", Fatal: true}
	}
	if durable.RegistryVersion != RegistryVersion {
		return nil, &AdmitError{Code: proto.CodeRegistryMismatch, Message: "world registry version mismatch", Fatal: true}
	}

	banned, err := r.st.CheckBan(ctx, worldID, ident.UserID)
	if err != nil {
		r.log.Error("ban lookup failed", zap.String("world", worldID), zap.Error(err))
		return nil, &AdmitError{Code: proto.CodeInvalidRequest, Message: "store unavailable", Fatal: true}
	}
	if banned {
		return nil, &AdmitError{Code: proto.CodePermissionDenied, Message: "banned from this world", Fatal: true}
	}

	if !durable.IsPublic && durable.Owner != ident.UserID {
		member, err := r.st.CheckMember(ctx, worldID, ident.UserID)
		if err != nil {
			r.log.Error("membership lookup failed", zap.String("world", worldID), zap.Error(err))
			return nil, &AdmitError{Code: proto.CodeInvalidRequest, Message: "store unavailable", Fatal: true}
		}
		if !member {
			return nil, &AdmitError{Code: proto.CodePermissionDenied, Message: "private world", Fatal: true}
		}
	}

	// Another live instance already hosting this world wins; point the
	// client at it.
	if r.lookup(worldID) == nil {
		if sess, err := r.st.GetSession(ctx, worldID); err == nil &&
			sess.Status == store.StatusOnline &&
			sess.Instance != r.cfg.InstanceID &&
			sess.URL != "" {
			return nil, &AdmitError{RedirectURL: sess.URL, Message: "world hosted elsewhere"}
		}
	}

	return &Meta{
		ID:               durable.ID,
		Name:             durable.Name,
		Owner:            durable.Owner,
		IsPublic:         durable.IsPublic,
		MaxPlayers:       durable.MaxPlayers,
		GeneratorVersion: durable.GeneratorVersion,
		RegistryVersion:  durable.RegistryVersion,
	}, nil
}

func (r *Registry) lookup(worldID string) *World {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.worlds[worldID]
}

func (r *Registry) getOrCreate(meta Meta) *World {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.worlds[meta.ID]; ok {
		return w
	}
	w := newWorld(meta, r.st, r.clock, r.log, r.metrics)
	w.flushKick = r.flushNow
	r.worlds[meta.ID] = w
	r.log.Info("world activated", zap.String("world", meta.ID))
	return w
}

// Worlds snapshots the active world list.
func (r *Registry) Worlds() []*World {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*World, 0, len(r.worlds))
	for _, w := range r.worlds {
		out = append(out, w)
	}
	return out
}

// Disconnect tears a participant down: leave broadcast, presence update, and
// world eviction (with a final flush) when the last seat empties.
func (r *Registry) Disconnect(ctx context.Context, w *World, p *Participant) {
	found, empty := r.dropParticipant(ctx, w, p)
	if !found || !empty {
		return
	}

	flushed := r.flushWorld(ctx, w)
	r.mu.Lock()
	// Re-check under the registry lock: an admission may have seated someone
	// during the flush, or this instance may already have been replaced.
	if r.worlds[w.ID()] == w && w.ParticipantCount() == 0 && (flushed || !w.Persistent()) {
		delete(r.worlds, w.ID())
		r.metrics.Participants.DeleteLabelValues(w.ID())
		r.log.Info("world evicted", zap.String("world", w.ID()))
	}
	r.mu.Unlock()
}

// seatParticipant seats p in w, verifying under the registry lock that w is
// still the registered instance for its id. Seating and eviction share that
// lock, so a world can never lose its registry entry while gaining a
// participant. current is false when w was evicted concurrently and the
// admission must re-resolve the world.
func (r *Registry) seatParticipant(w *World, p *Participant) (already []proto.PlayerInfo, ok, current bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.worlds[w.ID()] != w {
		return nil, false, false
	}
	already, ok = w.addParticipant(p)
	return already, ok, true
}

// dropParticipant removes p from w and runs the leave announcements. Eviction
// of an emptied world stays with the caller.
func (r *Registry) dropParticipant(ctx context.Context, w *World, p *Participant) (found, empty bool) {
	found, empty = w.removeParticipant(p.ID)
	if !found {
		return found, empty
	}

	w.broadcast(proto.PlayerLeave{
		Type:            proto.TypePlayerLeave,
		ProtocolVersion: proto.ProtocolVersion,
		PlayerID:        p.ID,
	})

	if w.Persistent() {
		if err := r.st.RecordLeave(ctx, w.ID(), p.ID); err != nil {
			r.log.Warn("record_leave failed", zap.String("world", w.ID()), zap.Error(err))
		}
	}
	return found, empty
}

// flushWorld persists the world's dirty sections, reporting success. Failed
// batches keep their dirty flags and retry on the next cycle.
func (r *Registry) flushWorld(ctx context.Context, w *World) bool {
	if !w.Persistent() {
		return true
	}
	batch := w.dirtySnapshot()
	if len(batch) == 0 {
		return true
	}
	if err := r.st.UpsertSections(ctx, w.ID(), batch); err != nil {
		r.metrics.FlushFailures.Inc()
		r.log.Warn("section flush failed",
			zap.String("world", w.ID()),
			zap.Int("sections", len(batch)),
			zap.Error(err))
		return false
	}
	w.clearDirty(batch)
	r.metrics.SectionsFlushed.Add(float64(len(batch)))
	return true
}

// Shutdown drains the instance: mark rows draining, close every connection
// with a going-away code, flush all dirty sections, and mark rows offline.
func (r *Registry) Shutdown(ctx context.Context) {
	if err := r.st.MarkSessionsDraining(ctx, r.cfg.InstanceID); err != nil {
		r.log.Warn("mark draining failed", zap.Error(err))
	}

	for _, w := range r.Worlds() {
		for _, peer := range w.peersSnapshot() {
			peer.CloseWith(proto.CloseGoingAway, "server shutting down")
		}
	}

	for _, w := range r.Worlds() {
		r.flushWorld(ctx, w)
	}

	if err := r.st.MarkSessionsOffline(ctx, r.cfg.InstanceID); err != nil {
		r.log.Warn("mark offline failed", zap.Error(err))
	}
}
