package world

import (
	"context"
	"math"

	"go.uber.org/zap"

	"deepforge/server/internal/coords"
	"deepforge/server/internal/gen"
	"deepforge/server/internal/proto"
)

// ApplyEdit arbitrates one block-edit request. The response is always sent to
// the originator; accepted edits are additionally broadcast to every other
// subscriber of the target section. Responses are cached by request id so a
// duplicate request replays byte-identically with no re-broadcast.
func (w *World) ApplyEdit(ctx context.Context, p *Participant, req proto.BlockEditRequest) proto.BlockEvent {
	now := w.clock.Now()

	w.mu.Lock()
	p.LastActivity = now
	if cached, ok := w.editCache.Get(req.RequestID); ok {
		w.mu.Unlock()
		_ = p.peer.Send(cached)
		return cached
	}
	if !p.editWindow.Allow(now) {
		return w.rejectLocked(p, req, proto.RejectRateLimited)
	}
	if !coords.InWorldBounds(req.X, req.Y, req.Z) {
		return w.rejectLocked(p, req, proto.RejectOutOfBounds)
	}
	if !withinReach(p.Position, req.X, req.Y, req.Z) {
		return w.rejectLocked(p, req, proto.RejectTooFar)
	}
	pos := p.Position
	w.mu.Unlock()

	secID := coords.WorldToSection(req.X, req.Y, req.Z)
	sec, err := w.ensureSection(ctx, secID)
	if err != nil {
		w.log.Warn("edit failed to load section",
			zap.String("section", secID.String()), zap.Error(err))
		w.mu.Lock()
		return w.rejectLocked(p, req, proto.RejectFailedApply)
	}

	w.mu.Lock()
	// A duplicate may have been arbitrated while the section loaded.
	if cached, ok := w.editCache.Get(req.RequestID); ok {
		w.mu.Unlock()
		_ = p.peer.Send(cached)
		return cached
	}

	lx, ly, lz := coords.Local(req.X, req.Y, req.Z)
	idx := coords.LocalIndex(lx, ly, lz)
	prev := sec.blocks[idx]

	switch {
	case req.BlockID == gen.BlockAir && prev == gen.BlockAir:
		return w.rejectLocked(p, req, proto.RejectNothingToBreak)
	case req.BlockID != gen.BlockAir && prev != gen.BlockAir:
		return w.rejectLocked(p, req, proto.RejectBlockOccupied)
	case req.BlockID != gen.BlockAir && intersectsPlayer(pos, req.X, req.Y, req.Z):
		return w.rejectLocked(p, req, proto.RejectInsideSelf)
	}

	sec.blocks[idx] = req.BlockID
	sec.version++
	sec.dirty = true
	sec.lastAccess = now

	event := proto.BlockEvent{
		Type:            proto.TypeBlockEvent,
		ProtocolVersion: proto.ProtocolVersion,
		RequestID:       req.RequestID,
		Accepted:        true,
		X:               req.X,
		Y:               req.Y,
		Z:               req.Z,
		BlockID:         req.BlockID,
		PreviousBlockID: prev,
		SectionID:       secID.String(),
		SectionVersion:  sec.version,
		PlayerID:        p.ID,
	}
	w.editCache.Add(req.RequestID, event)

	overLimit := 0
	for _, s := range w.sections {
		if s.dirty {
			overLimit++
		}
	}
	w.mu.Unlock()

	if overLimit > DirtyLimit {
		w.kickFlush()
	}

	w.metrics.EditsAccepted.Inc()
	_ = p.peer.Send(event)
	for _, peer := range w.subscriberPeers(secID.String()) {
		if peer == p.peer {
			continue
		}
		_ = peer.Send(event)
	}
	return event
}

// rejectLocked caches and delivers a rejection to the originator only. The
// caller must hold w.mu; it is released here.
func (w *World) rejectLocked(p *Participant, req proto.BlockEditRequest, reason string) proto.BlockEvent {
	event := proto.BlockEvent{
		Type:            proto.TypeBlockEvent,
		ProtocolVersion: proto.ProtocolVersion,
		RequestID:       req.RequestID,
		Accepted:        false,
		X:               req.X,
		Y:               req.Y,
		Z:               req.Z,
		BlockID:         req.BlockID,
		RejectReason:    reason,
		PlayerID:        p.ID,
	}
	w.editCache.Add(req.RequestID, event)
	w.mu.Unlock()

	w.metrics.EditsRejected.WithLabelValues(reason).Inc()
	_ = p.peer.Send(event)
	return event
}

// withinReach checks the Euclidean distance from the participant's eye to the
// center of the target block.
func withinReach(pos proto.Vec3, x, y, z int) bool {
	dx := pos.X - (float64(x) + 0.5)
	dy := (pos.Y + EyeHeight) - (float64(y) + 0.5)
	dz := pos.Z - (float64(z) + 0.5)
	return math.Sqrt(dx*dx+dy*dy+dz*dz) <= MaxReach
}

// intersectsPlayer reports whether the voxel at (x, y, z) overlaps the
// participant's bounding box. Touching faces do not count as overlap.
func intersectsPlayer(pos proto.Vec3, x, y, z int) bool {
	bx, by, bz := float64(x), float64(y), float64(z)
	return bx < pos.X+PlayerHalfWidth && bx+1 > pos.X-PlayerHalfWidth &&
		by < pos.Y+PlayerHeight && by+1 > pos.Y &&
		bz < pos.Z+PlayerHalfWidth && bz+1 > pos.Z-PlayerHalfWidth
}
