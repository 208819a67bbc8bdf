package world

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"deepforge/server/internal/proto"
)

// Run starts the shared loops and blocks until ctx is cancelled. Shutdown
// sequencing (draining, final flush) is the caller's job via Shutdown.
func (r *Registry) Run(ctx context.Context) {
	go r.tickLoop(ctx)
	go r.streamLoop(ctx)
	go r.persistLoop(ctx)
	go r.heartbeatLoop(ctx)
	go r.reaperLoop(ctx)
	<-ctx.Done()
}

// tickLoop broadcasts a motion snapshot to every populated world at the tick
// period. A panic inside one cycle is logged and the loop continues.
func (r *Registry) tickLoop(ctx context.Context) {
	ticker := r.clock.Ticker(TickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.safeCycle("tick", func() {
				for _, w := range r.Worlds() {
					frame := w.snapshotFrame(now)
					if frame == nil {
						continue
					}
					if data, err := json.Marshal(frame); err == nil {
						r.metrics.BroadcastBytes.Add(float64(len(data) * w.ParticipantCount()))
					}
					w.broadcast(frame)
				}
			})
		}
	}
}

// streamLoop drives the chunk streamer's paced delivery at the tick period.
// It runs apart from tickLoop so a cold section load never stalls snapshots.
func (r *Registry) streamLoop(ctx context.Context) {
	ticker := r.clock.Ticker(TickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.safeCycle("stream", func() {
				for _, w := range r.Worlds() {
					w.streamTick(ctx)
				}
			})
		}
	}
}

// persistLoop flushes dirty sections every FlushPeriod, or sooner when a
// world crosses its dirty back-pressure bound.
func (r *Registry) persistLoop(ctx context.Context) {
	ticker := r.clock.Ticker(FlushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.flushNow:
		}
		r.safeCycle("persist", func() {
			for _, w := range r.Worlds() {
				r.flushWorld(ctx, w)
			}
		})
	}
}

// heartbeatLoop refreshes each active world's session row.
func (r *Registry) heartbeatLoop(ctx context.Context) {
	ticker := r.clock.Ticker(HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.safeCycle("heartbeat", func() {
				for _, w := range r.Worlds() {
					if !w.Persistent() {
						continue
					}
					if err := r.st.Heartbeat(ctx, w.ID(), w.ParticipantCount()); err != nil {
						r.log.Warn("heartbeat failed", zap.String("world", w.ID()), zap.Error(err))
					}
				}
			})
		}
	}
}

// reaperLoop closes connections whose last activity is older than StaleAfter.
// The close wakes the connection's read loop, which runs the normal
// disconnect path.
func (r *Registry) reaperLoop(ctx context.Context) {
	ticker := r.clock.Ticker(ReaperPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.safeCycle("reaper", func() {
				cutoff := r.clock.Now().Add(-StaleAfter)
				for _, w := range r.Worlds() {
					w.mu.Lock()
					var stale []Peer
					for _, p := range w.participants {
						if p.LastActivity.Before(cutoff) {
							stale = append(stale, p.peer)
						}
					}
					w.mu.Unlock()
					for _, peer := range stale {
						peer.CloseWith(proto.CloseNormal, "idle timeout")
					}
				}
			})
		}
	}
}

// safeCycle keeps a panicking cycle from taking the whole process down.
func (r *Registry) safeCycle(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("loop cycle panicked", zap.String("loop", name), zap.Any("panic", rec))
		}
	}()
	fn()
}
