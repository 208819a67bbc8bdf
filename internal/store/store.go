// Package store defines the durable backend consumed by the server core and
// ships two implementations: SQLite for stand-alone deployments and an
// in-memory store for tests. Any implementation satisfying Store is
// acceptable to the core.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound marks absent rows. Callers test with errors.Is.
var ErrNotFound = errors.New("store: not found")

// Session row statuses.
const (
	StatusOnline   = "online"
	StatusDraining = "draining"
	StatusOffline  = "offline"
)

// World is the durable metadata for one world.
type World struct {
	ID               string
	Name             string
	Owner            string
	IsPublic         bool
	MaxPlayers       int
	GeneratorVersion int
	RegistryVersion  int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Section is one persisted section row. Blocks is always exactly 8192 bytes.
type Section struct {
	ID      string
	Blocks  []byte
	Version int64
}

// Session is the per-world server registry row.
type Session struct {
	WorldID          string
	Instance         string
	URL              string
	Status           string
	ParticipantCount int
	LastHeartbeat    time.Time
	StartedAt        time.Time
}

// SigningKey is one entry of the credential key set. HMAC keys carry Secret;
// asymmetric keys carry PublicKeyPEM.
type SigningKey struct {
	ID           string
	Algorithm    string
	Secret       []byte
	PublicKeyPEM string
}

// Store is the capability set the core requires of the durable backend.
// Implementations surface transient failures as errors; retry policy belongs
// to the caller.
type Store interface {
	GetWorld(ctx context.Context, id string) (*World, error)
	CheckMember(ctx context.Context, worldID, userID string) (bool, error)
	CheckBan(ctx context.Context, worldID, userID string) (bool, error)

	LoadSection(ctx context.Context, worldID, sectionID string) (*Section, error)
	UpsertSections(ctx context.Context, worldID string, batch []Section) error

	RegisterSession(ctx context.Context, worldID, instance, url string) error
	GetSession(ctx context.Context, worldID string) (*Session, error)
	Heartbeat(ctx context.Context, worldID string, participantCount int) error
	MarkSessionsDraining(ctx context.Context, instance string) error
	MarkSessionsOffline(ctx context.Context, instance string) error

	RecordJoin(ctx context.Context, worldID, userID, displayName string) error
	RecordLeave(ctx context.Context, worldID, userID string) error
	DisplayName(ctx context.Context, userID string) (string, error)

	KeySet(ctx context.Context) ([]SigningKey, error)

	Close() error
}

// FallbackDisplayName derives a stable name for users with no stored profile.
func FallbackDisplayName(userID string) string {
	if len(userID) > 8 {
		userID = userID[:8]
	}
	return "player-" + userID
}
