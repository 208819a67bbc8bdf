package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS worlds (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	owner             TEXT NOT NULL DEFAULT '',
	is_public         INTEGER NOT NULL DEFAULT 0,
	max_players       INTEGER NOT NULL DEFAULT 8 CHECK (max_players <= 8),
	generator_version INTEGER NOT NULL DEFAULT 1,
	registry_version  INTEGER NOT NULL DEFAULT 1,
	created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS world_members (
	world TEXT NOT NULL,
	user  TEXT NOT NULL,
	role  TEXT NOT NULL DEFAULT 'member',
	PRIMARY KEY (world, user)
);
CREATE TABLE IF NOT EXISTS world_bans (
	world      TEXT NOT NULL,
	user       TEXT NOT NULL,
	expires_at TIMESTAMP,
	PRIMARY KEY (world, user)
);
CREATE TABLE IF NOT EXISTS world_sessions (
	world             TEXT PRIMARY KEY,
	instance          TEXT NOT NULL,
	url               TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'offline',
	participant_count INTEGER NOT NULL DEFAULT 0,
	last_heartbeat    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS world_sections (
	world      TEXT NOT NULL,
	section    TEXT NOT NULL,
	version    INTEGER NOT NULL CHECK (version > 0),
	blocks     BLOB NOT NULL CHECK (length(blocks) = 8192),
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (world, section)
);
CREATE TABLE IF NOT EXISTS world_players (
	world        TEXT NOT NULL,
	user         TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	joined_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_seen    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (world, user)
);
CREATE TABLE IF NOT EXISTS signing_keys (
	kid            TEXT PRIMARY KEY,
	algorithm      TEXT NOT NULL,
	secret         BLOB,
	public_key_pem TEXT
);
`

// SQLite implements Store on a local SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at dsn and applies the
// schema.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite store")
	}
	// SQLite handles one writer at a time; serialize through one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "configure sqlite store")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply store schema")
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) GetWorld(ctx context.Context, id string) (*World, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner, is_public, max_players, generator_version, registry_version, created_at, updated_at
		FROM worlds WHERE id = ?`, id)
	var w World
	var public int
	err := row.Scan(&w.ID, &w.Name, &w.Owner, &public, &w.MaxPlayers, &w.GeneratorVersion, &w.RegistryVersion, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get world %s", id)
	}
	w.IsPublic = public != 0
	return &w, nil
}

func (s *SQLite) CheckMember(ctx context.Context, worldID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM world_members WHERE world = ? AND user = ?`, worldID, userID).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "check membership")
	}
	return n > 0, nil
}

func (s *SQLite) CheckBan(ctx context.Context, worldID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM world_bans
		WHERE world = ? AND user = ? AND (expires_at IS NULL OR expires_at > ?)`,
		worldID, userID, time.Now().UTC()).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "check ban")
	}
	return n > 0, nil
}

func (s *SQLite) LoadSection(ctx context.Context, worldID, sectionID string) (*Section, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT section, version, blocks FROM world_sections WHERE world = ? AND section = ?`,
		worldID, sectionID)
	var sec Section
	err := row.Scan(&sec.ID, &sec.Version, &sec.Blocks)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load section %s/%s", worldID, sectionID)
	}
	return &sec, nil
}

func (s *SQLite) UpsertSections(ctx context.Context, worldID string, batch []Section) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin section upsert")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO world_sections (world, section, version, blocks, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (world, section) DO UPDATE SET
			version = excluded.version,
			blocks = excluded.blocks,
			updated_at = excluded.updated_at`)
	if err != nil {
		return errors.Wrap(err, "prepare section upsert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, sec := range batch {
		if _, err := stmt.ExecContext(ctx, worldID, sec.ID, sec.Version, sec.Blocks, now); err != nil {
			return errors.Wrapf(err, "upsert section %s/%s", worldID, sec.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit section upsert")
}

func (s *SQLite) RegisterSession(ctx context.Context, worldID, instance, url string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO world_sessions (world, instance, url, status, participant_count, last_heartbeat, started_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (world) DO UPDATE SET
			instance = excluded.instance,
			url = excluded.url,
			status = excluded.status,
			participant_count = 0,
			last_heartbeat = excluded.last_heartbeat,
			started_at = excluded.started_at`,
		worldID, instance, url, StatusOnline, now, now)
	return errors.Wrapf(err, "register session for %s", worldID)
}

func (s *SQLite) GetSession(ctx context.Context, worldID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT world, instance, url, status, participant_count, last_heartbeat, started_at
		FROM world_sessions WHERE world = ?`, worldID)
	var sess Session
	err := row.Scan(&sess.WorldID, &sess.Instance, &sess.URL, &sess.Status,
		&sess.ParticipantCount, &sess.LastHeartbeat, &sess.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get session for %s", worldID)
	}
	return &sess, nil
}

func (s *SQLite) Heartbeat(ctx context.Context, worldID string, participantCount int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE world_sessions SET last_heartbeat = ?, participant_count = ?
		WHERE world = ?`, time.Now().UTC(), participantCount, worldID)
	return errors.Wrapf(err, "heartbeat for %s", worldID)
}

func (s *SQLite) MarkSessionsDraining(ctx context.Context, instance string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE world_sessions SET status = ? WHERE instance = ? AND status = ?`,
		StatusDraining, instance, StatusOnline)
	return errors.Wrap(err, "mark sessions draining")
}

func (s *SQLite) MarkSessionsOffline(ctx context.Context, instance string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE world_sessions SET status = ? WHERE instance = ?`,
		StatusOffline, instance)
	return errors.Wrap(err, "mark sessions offline")
}

func (s *SQLite) RecordJoin(ctx context.Context, worldID, userID, displayName string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO world_players (world, user, display_name, joined_at, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (world, user) DO UPDATE SET
			display_name = excluded.display_name,
			last_seen = excluded.last_seen`,
		worldID, userID, displayName, now, now)
	return errors.Wrapf(err, "record join for %s/%s", worldID, userID)
}

func (s *SQLite) RecordLeave(ctx context.Context, worldID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE world_players SET last_seen = ? WHERE world = ? AND user = ?`,
		time.Now().UTC(), worldID, userID)
	return errors.Wrapf(err, "record leave for %s/%s", worldID, userID)
}

func (s *SQLite) DisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `
		SELECT display_name FROM world_players
		WHERE user = ? AND display_name != ''
		ORDER BY last_seen DESC LIMIT 1`, userID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return FallbackDisplayName(userID), nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "display name for %s", userID)
	}
	return name, nil
}

func (s *SQLite) KeySet(ctx context.Context) ([]SigningKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kid, algorithm, secret, public_key_pem FROM signing_keys`)
	if err != nil {
		return nil, errors.Wrap(err, "load key set")
	}
	defer rows.Close()

	var keys []SigningKey
	for rows.Next() {
		var k SigningKey
		var secret []byte
		var pem sql.NullString
		if err := rows.Scan(&k.ID, &k.Algorithm, &secret, &pem); err != nil {
			return nil, errors.Wrap(err, "scan signing key")
		}
		k.Secret = secret
		k.PublicKeyPEM = pem.String
		keys = append(keys, k)
	}
	return keys, errors.Wrap(rows.Err(), "iterate key set")
}
