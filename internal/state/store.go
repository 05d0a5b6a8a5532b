package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatwatch/internal/config"
)

var (
	// ErrConflict indicates revision mismatch that outlived CAS retries.
	ErrConflict = errors.New("revision conflict")
)

// MuteKey is the control key holding global mute flag.
const MuteKey = "control/mute"

// Verdict is the result of one budget reservation attempt.
type Verdict string

const (
	// VerdictGranted means one slot was consumed in every claimed budget.
	VerdictGranted Verdict = "granted"
	// VerdictDenied means at least one claimed budget was full.
	VerdictDenied Verdict = "denied"
	// VerdictMuted means mute flag was set at reservation time.
	VerdictMuted Verdict = "muted"
)

// Claim is one budget slot requested by a reservation.
// Params: budget key, sliding window width, and max reservations per window.
// Returns: one quota check unit.
type Claim struct {
	Key    string
	Window time.Duration
	Limit  int
}

// Store provides shared counter, budget, mute, and dedup state.
// Reserve is atomic across claims: either every claim gains the token or none does.
// Params: window/budget operations keyed by engine key builders.
// Returns: backend persistence behavior.
type Store interface {
	RecordHits(ctx context.Context, key string, at time.Time, hits int, window time.Duration) (int, error)
	ClearCounter(ctx context.Context, key string) error
	ClearAll(ctx context.Context) error
	Reserve(ctx context.Context, claims []Claim, token string, at time.Time) (Verdict, error)
	Rollback(ctx context.Context, keys []string, token string) error
	SetMuted(ctx context.Context, muted bool) error
	Muted(ctx context.Context) (bool, error)
	MarkSeen(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// New builds state backend selected by config.
// Params: state section, dedup TTL for bucket-level expiry, and clock for memory mode.
// Returns: store implementation or setup error.
func New(cfg config.StateConfig, dedupTTL time.Duration, now func() time.Time) (Store, error) {
	switch cfg.Backend {
	case config.StateBackendMemory, "":
		return NewMemoryStore(now), nil
	case config.StateBackendNATS:
		return NewNATSStore(cfg.NATS, dedupTTL)
	case config.StateBackendRedis:
		return NewRedisStore(cfg.Redis, cfg.KeyPrefix)
	default:
		return nil, fmt.Errorf("unsupported state backend %q", cfg.Backend)
	}
}

// ClaimKeys extracts keys from claims preserving order.
// Params: reservation claims.
// Returns: key slice.
func ClaimKeys(claims []Claim) []string {
	keys := make([]string, 0, len(claims))
	for _, claim := range claims {
		keys = append(keys, claim.Key)
	}
	return keys
}
