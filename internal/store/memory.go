package store

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var errTransient = errors.New("store: transient failure")

// Memory is an in-process Store used by tests and store-less development
// runs. All methods are safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	worlds   map[string]World
	members  map[string]map[string]string
	bans     map[string]map[string]time.Time // zero time = permanent
	sections map[string]map[string]Section
	sessions map[string]Session
	players  map[string]map[string]playerRow
	keys     []SigningKey

	// FailUpserts makes UpsertSections fail while set; tests use it to
	// exercise the dirty-retry path.
	FailUpserts bool
}

type playerRow struct {
	displayName string
	joinedAt    time.Time
	lastSeen    time.Time
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		worlds:   make(map[string]World),
		members:  make(map[string]map[string]string),
		bans:     make(map[string]map[string]time.Time),
		sections: make(map[string]map[string]Section),
		sessions: make(map[string]Session),
		players:  make(map[string]map[string]playerRow),
	}
}

// PutWorld seeds world metadata.
func (m *Memory) PutWorld(w World) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.MaxPlayers == 0 {
		w.MaxPlayers = 8
	}
	m.worlds[w.ID] = w
}

// PutMember seeds a membership row.
func (m *Memory) PutMember(worldID, userID, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[worldID] == nil {
		m.members[worldID] = make(map[string]string)
	}
	m.members[worldID][userID] = role
}

// PutBan seeds a ban; a zero expiry means permanent.
func (m *Memory) PutBan(worldID, userID string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bans[worldID] == nil {
		m.bans[worldID] = make(map[string]time.Time)
	}
	m.bans[worldID][userID] = expiresAt
}

// PutKeys replaces the signing key set.
func (m *Memory) PutKeys(keys []SigningKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append([]SigningKey(nil), keys...)
}

func (m *Memory) Close() error { return nil }

func (m *Memory) GetWorld(_ context.Context, id string) (*World, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.worlds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (m *Memory) CheckMember(_ context.Context, worldID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[worldID][userID]
	return ok, nil
}

func (m *Memory) CheckBan(_ context.Context, worldID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expires, ok := m.bans[worldID][userID]
	if !ok {
		return false, nil
	}
	if expires.IsZero() {
		return true, nil
	}
	return expires.After(time.Now()), nil
}

func (m *Memory) LoadSection(_ context.Context, worldID, sectionID string) (*Section, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sec, ok := m.sections[worldID][sectionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := sec
	cp.Blocks = append([]byte(nil), sec.Blocks...)
	return &cp, nil
}

func (m *Memory) UpsertSections(_ context.Context, worldID string, batch []Section) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpserts {
		return errTransient
	}
	if m.sections[worldID] == nil {
		m.sections[worldID] = make(map[string]Section)
	}
	for _, sec := range batch {
		cp := sec
		cp.Blocks = append([]byte(nil), sec.Blocks...)
		m.sections[worldID][sec.ID] = cp
	}
	return nil
}

func (m *Memory) RegisterSession(_ context.Context, worldID, instance, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.sessions[worldID] = Session{
		WorldID:       worldID,
		Instance:      instance,
		URL:           url,
		Status:        StatusOnline,
		LastHeartbeat: now,
		StartedAt:     now,
	}
	return nil
}

func (m *Memory) GetSession(_ context.Context, worldID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[worldID]
	if !ok {
		return nil, ErrNotFound
	}
	return &sess, nil
}

func (m *Memory) Heartbeat(_ context.Context, worldID string, participantCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[worldID]
	if !ok {
		return nil
	}
	sess.LastHeartbeat = time.Now()
	sess.ParticipantCount = participantCount
	m.sessions[worldID] = sess
	return nil
}

func (m *Memory) MarkSessionsDraining(_ context.Context, instance string) error {
	return m.markSessions(instance, StatusDraining, true)
}

func (m *Memory) MarkSessionsOffline(_ context.Context, instance string) error {
	return m.markSessions(instance, StatusOffline, false)
}

func (m *Memory) markSessions(instance, status string, onlineOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sess := range m.sessions {
		if sess.Instance != instance {
			continue
		}
		if onlineOnly && sess.Status != StatusOnline {
			continue
		}
		sess.Status = status
		m.sessions[id] = sess
	}
	return nil
}

func (m *Memory) RecordJoin(_ context.Context, worldID, userID, displayName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.players[worldID] == nil {
		m.players[worldID] = make(map[string]playerRow)
	}
	now := time.Now()
	row, ok := m.players[worldID][userID]
	if !ok {
		row.joinedAt = now
	}
	row.displayName = displayName
	row.lastSeen = now
	m.players[worldID][userID] = row
	return nil
}

func (m *Memory) RecordLeave(_ context.Context, worldID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.players[worldID][userID]
	if !ok {
		return nil
	}
	row.lastSeen = time.Now()
	m.players[worldID][userID] = row
	return nil
}

func (m *Memory) DisplayName(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best string
	var bestSeen time.Time
	for _, rows := range m.players {
		if row, ok := rows[userID]; ok && row.displayName != "" && row.lastSeen.After(bestSeen) {
			best = row.displayName
			bestSeen = row.lastSeen
		}
	}
	if best == "" {
		return FallbackDisplayName(userID), nil
	}
	return best, nil
}

func (m *Memory) KeySet(_ context.Context) ([]SigningKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SigningKey(nil), m.keys...), nil
}
