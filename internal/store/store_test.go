package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "deepforge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	mem := NewMemory()
	return map[string]Store{"sqlite": sqlite, "memory": mem}
}

func seedWorld(t *testing.T, s Store, id string) {
	t.Helper()
	switch impl := s.(type) {
	case *Memory:
		impl.PutWorld(World{ID: id, Name: id, Owner: "owner-1", IsPublic: true, MaxPlayers: 8, GeneratorVersion: 1, RegistryVersion: 1})
	case *SQLite:
		_, err := impl.db.Exec(`
			INSERT INTO worlds (id, name, owner, is_public, max_players, generator_version, registry_version)
			VALUES (?, ?, 'owner-1', 1, 8, 1, 1)`, id, id)
		require.NoError(t, err)
	}
}

func TestGetWorld(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.GetWorld(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			seedWorld(t, s, "w1")
			w, err := s.GetWorld(ctx, "w1")
			require.NoError(t, err)
			require.Equal(t, "w1", w.ID)
			require.True(t, w.IsPublic)
			require.Equal(t, 8, w.MaxPlayers)
			require.Equal(t, 1, w.GeneratorVersion)
		})
	}
}

func TestSectionRoundTrip(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedWorld(t, s, "w1")

			_, err := s.LoadSection(ctx, "w1", "0:0:0")
			require.ErrorIs(t, err, ErrNotFound)

			blocks := make([]byte, 8192)
			blocks[0] = 0x02
			blocks[100] = 0x7f
			require.NoError(t, s.UpsertSections(ctx, "w1", []Section{{ID: "0:0:0", Blocks: blocks, Version: 1}}))

			sec, err := s.LoadSection(ctx, "w1", "0:0:0")
			require.NoError(t, err)
			require.Equal(t, int64(1), sec.Version)
			require.Equal(t, blocks, sec.Blocks)

			// Upsert replaces version and contents.
			blocks[0] = 0x05
			require.NoError(t, s.UpsertSections(ctx, "w1", []Section{{ID: "0:0:0", Blocks: blocks, Version: 2}}))
			sec, err = s.LoadSection(ctx, "w1", "0:0:0")
			require.NoError(t, err)
			require.Equal(t, int64(2), sec.Version)
			require.Equal(t, byte(0x05), sec.Blocks[0])
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedWorld(t, s, "w1")

			require.NoError(t, s.RegisterSession(ctx, "w1", "inst-1", "wss://a.example/ws"))
			sess, err := s.GetSession(ctx, "w1")
			require.NoError(t, err)
			require.Equal(t, StatusOnline, sess.Status)
			require.Equal(t, 0, sess.ParticipantCount)
			require.Equal(t, "inst-1", sess.Instance)

			require.NoError(t, s.Heartbeat(ctx, "w1", 3))
			sess, err = s.GetSession(ctx, "w1")
			require.NoError(t, err)
			require.Equal(t, 3, sess.ParticipantCount)

			require.NoError(t, s.MarkSessionsDraining(ctx, "inst-1"))
			sess, err = s.GetSession(ctx, "w1")
			require.NoError(t, err)
			require.Equal(t, StatusDraining, sess.Status)

			require.NoError(t, s.MarkSessionsOffline(ctx, "inst-1"))
			sess, err = s.GetSession(ctx, "w1")
			require.NoError(t, err)
			require.Equal(t, StatusOffline, sess.Status)

			// Re-registering after a crash restart brings the row back online.
			require.NoError(t, s.RegisterSession(ctx, "w1", "inst-1", "wss://a.example/ws"))
			sess, err = s.GetSession(ctx, "w1")
			require.NoError(t, err)
			require.Equal(t, StatusOnline, sess.Status)
		})
	}
}

func TestBansExpire(t *testing.T) {
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "bans.db"))
	require.NoError(t, err)
	defer sqlite.Close()
	ctx := context.Background()

	_, err = sqlite.db.Exec(`INSERT INTO world_bans (world, user, expires_at) VALUES ('w1', 'u1', ?)`,
		time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	banned, err := sqlite.CheckBan(ctx, "w1", "u1")
	require.NoError(t, err)
	require.False(t, banned, "expired bans must read as not banned")

	_, err = sqlite.db.Exec(`INSERT INTO world_bans (world, user, expires_at) VALUES ('w1', 'u2', NULL)`)
	require.NoError(t, err)
	banned, err = sqlite.CheckBan(ctx, "w1", "u2")
	require.NoError(t, err)
	require.True(t, banned, "permanent bans have no expiry")

	mem := NewMemory()
	mem.PutBan("w1", "u1", time.Now().Add(-time.Hour))
	banned, err = mem.CheckBan(ctx, "w1", "u1")
	require.NoError(t, err)
	require.False(t, banned)
}

func TestPresenceAndDisplayName(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedWorld(t, s, "w1")

			name, err := s.DisplayName(ctx, "user-abcdef12345")
			require.NoError(t, err)
			require.Equal(t, "player-user-abc", name)

			require.NoError(t, s.RecordJoin(ctx, "w1", "u1", "Steve"))
			require.NoError(t, s.RecordLeave(ctx, "w1", "u1"))
			name, err = s.DisplayName(ctx, "u1")
			require.NoError(t, err)
			require.Equal(t, "Steve", name)
		})
	}
}

func TestKeySet(t *testing.T) {
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	defer sqlite.Close()

	_, err = sqlite.db.Exec(`INSERT INTO signing_keys (kid, algorithm, secret) VALUES ('k1', 'HS256', X'001122')`)
	require.NoError(t, err)
	keys, err := sqlite.KeySet(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, "k1", keys[0].ID)
	require.Equal(t, "HS256", keys[0].Algorithm)
	require.Equal(t, []byte{0x00, 0x11, 0x22}, keys[0].Secret)
}
