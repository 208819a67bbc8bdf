package world

import "time"

// Server-wide protocol constants.
const (
	// RegistryVersion is the world-registry generation this server speaks.
	RegistryVersion = 1

	// DefaultWorldID names the single built-in world that bypasses the
	// store: always public, always exists, never persisted.
	DefaultWorldID = "default-world"
)

// Compile-time tunables.
const (
	MaxParticipants = 8

	TickPeriod     = 50 * time.Millisecond
	TicksPerSecond = int(time.Second / TickPeriod)

	HandshakeTimeout = 5 * time.Second
	StaleAfter       = 60 * time.Second
	ReaperPeriod     = 10 * time.Second

	FlushPeriod     = time.Second
	HeartbeatPeriod = 30 * time.Second

	EditsPerSecond      = 20
	SubscribesPerSecond = 100
	MaxSubscriptions    = 128

	// SectionsPerSecond paces chunk streaming per participant.
	SectionsPerSecond = 60

	RequestIDTTL = 60 * time.Second

	// editCacheSize must hold every response the arbiter can issue inside
	// one RequestIDTTL (participants x edit rate x TTL seconds), with
	// headroom for cached rate-limit rejections, so no entry is evicted
	// before it expires.
	editCacheSize = 2 * MaxParticipants * EditsPerSecond * int(RequestIDTTL/time.Second)

	// DirtyLimit bounds in-memory dirty sections per world; crossing it
	// forces an immediate flush.
	DirtyLimit = 500

	MaxReach = 5.0

	// Participant collision volume used by the place-inside-self check.
	PlayerHalfWidth = 0.3
	PlayerHeight    = 1.8
	EyeHeight       = 1.6
)
