package world

import (
	"context"

	"go.uber.org/zap"

	"deepforge/server/internal/coords"
	"deepforge/server/internal/proto"
)

// sectionsPerTick is the paced delivery quota applied on each tick.
const sectionsPerTick = (SectionsPerSecond + TicksPerSecond - 1) / TicksPerSecond

// HandleSubscribe processes one SUBSCRIBE frame: removals first, then
// additions in order. Additions stop at the first rate or capacity violation;
// already-processed entries stay subscribed. At least one pending section is
// delivered immediately.
func (w *World) HandleSubscribe(ctx context.Context, p *Participant, msg proto.Subscribe) {
	now := w.clock.Now()

	w.mu.Lock()
	p.LastActivity = now

	for _, raw := range msg.Unsubscribe {
		id, err := coords.ParseSectionID(raw)
		if err != nil {
			continue
		}
		key := id.String()
		if _, ok := p.subscribed[key]; !ok {
			continue
		}
		delete(p.subscribed, key)
		w.dropSubscriberLocked(key, p.ID)
	}

	var violation string
	for _, raw := range msg.Subscribe {
		id, err := coords.ParseSectionID(raw)
		if err != nil {
			violation = proto.CodeInvalidRequest
			break
		}
		if !p.subWindow.Allow(now) {
			violation = proto.CodeRateLimited
			break
		}
		if len(p.subscribed) >= MaxSubscriptions {
			violation = proto.CodeRateLimited
			break
		}
		key := id.String()
		if _, ok := p.subscribed[key]; ok {
			// Re-request: deliver again but do not double-index.
			p.pending = append(p.pending, key)
			continue
		}
		p.subscribed[key] = struct{}{}
		if w.subIndex[key] == nil {
			w.subIndex[key] = make(map[string]struct{})
		}
		w.subIndex[key][p.ID] = struct{}{}
		p.pending = append(p.pending, key)
	}
	peer := p.peer
	w.mu.Unlock()

	if violation != "" {
		msg := "subscribe rejected"
		if violation == proto.CodeRateLimited {
			msg = "subscribe rate or capacity exceeded"
		}
		_ = peer.Send(proto.NewError(violation, msg, false))
	}

	// An explicit subscribe always delivers at least one section now; the
	// rest drain on subsequent ticks.
	w.drainPending(ctx, p, maxInt(1, sectionsPerTick))
}

// drainPending sends up to quota queued sections to the participant.
func (w *World) drainPending(ctx context.Context, p *Participant, quota int) {
	for i := 0; i < quota; i++ {
		w.mu.Lock()
		if len(p.pending) == 0 {
			w.mu.Unlock()
			return
		}
		key := p.pending[0]
		p.pending = p.pending[1:]
		if _, still := p.subscribed[key]; !still {
			w.mu.Unlock()
			i--
			continue
		}
		w.mu.Unlock()

		id, err := coords.ParseSectionID(key)
		if err != nil {
			continue
		}
		sec, err := w.ensureSection(ctx, id)
		if err != nil {
			w.log.Warn("section delivery failed", zap.String("section", key), zap.Error(err))
			continue
		}

		w.mu.Lock()
		blocks := append([]uint16(nil), sec.blocks...)
		version := sec.version
		fromStore := sec.fromStore || sec.version > 0
		w.mu.Unlock()

		encoded, err := proto.EncodeBlocks(blocks)
		if err != nil {
			w.log.Error("section encode failed", zap.String("section", key), zap.Error(err))
			continue
		}
		frame := proto.SectionData{
			Type:            proto.TypeSectionData,
			ProtocolVersion: proto.ProtocolVersion,
			SectionID:       key,
			Version:         version,
			Blocks:          encoded,
			FromStore:       fromStore,
		}
		if err := p.peer.Send(frame); err != nil {
			return
		}
		w.metrics.SectionsStreamed.Inc()
	}
}

// streamTick drains the paced quota for every participant with queued
// sections. Called by the registry's streaming loop.
func (w *World) streamTick(ctx context.Context) {
	w.mu.Lock()
	waiting := make([]*Participant, 0, len(w.participants))
	for _, p := range w.participants {
		if len(p.pending) > 0 {
			waiting = append(waiting, p)
		}
	}
	w.mu.Unlock()

	for _, p := range waiting {
		w.drainPending(ctx, p, sectionsPerTick)
	}
}

// SubscribedSections returns the participant's current subscription set.
func (w *World) SubscribedSections(p *Participant) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(p.subscribed))
	for key := range p.subscribed {
		out = append(out, key)
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
