package state

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatwatch/internal/config"
	"chatwatch/internal/engine"

	"github.com/nats-io/nats.go"
)

var errBudgetFull = errors.New("budget full")

// NATSStore persists shared state in JetStream KV buckets.
// Window documents are updated with revision CAS; the seen bucket relies on bucket TTL.
// Params: NATS connection and KV bucket handles.
// Returns: KV-backed state store implementation.
type NATSStore struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	stateKV  nats.KeyValue
	seenKV   nats.KeyValue
	settings config.NATSStateConfig
}

// windowDoc is JSON form of one sliding window.
type windowDoc struct {
	WidthMS int64      `json:"width_ms"`
	Points  []pointDoc `json:"points"`
}

type pointDoc struct {
	AtMS  int64  `json:"at_ms"`
	N     int    `json:"n"`
	Token string `json:"token,omitempty"`
}

// NewNATSStore opens or creates KV buckets and returns NATS state backend.
// Params: NATS state settings and seen-set TTL applied at bucket level.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStateConfig, seenTTL time.Duration) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	stateKV, err := openBucket(js, &nats.KeyValueConfig{Bucket: settings.Bucket}, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}
	seenKV, err := openBucket(js, &nats.KeyValueConfig{Bucket: settings.SeenBucket, TTL: seenTTL}, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if settings.MaxCASRetries <= 0 {
		settings.MaxCASRetries = 16
	}

	return &NATSStore{
		nc:       nc,
		js:       js,
		stateKV:  stateKV,
		seenKV:   seenKV,
		settings: settings,
	}, nil
}

// openBucket binds existing bucket or creates it when allowed.
// Params: JetStream context, bucket config, and create toggle.
// Returns: KV handle or bind/create error.
func openBucket(js nats.JetStreamContext, cfg *nats.KeyValueConfig, allowCreate bool) (nats.KeyValue, error) {
	kv, err := js.KeyValue(cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !allowCreate {
		return nil, fmt.Errorf("open bucket %q: %w", cfg.Bucket, err)
	}
	kv, err = js.CreateKeyValue(cfg)
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
	}
	return kv, nil
}

// RecordHits prunes counter window and appends hit points with CAS.
// Params: counter key, record time, hit count, and window width.
// Returns: window count after append.
func (s *NATSStore) RecordHits(_ context.Context, key string, at time.Time, hits int, window time.Duration) (int, error) {
	count := 0
	err := s.mutate(key, true, func(w *engine.Window, width *time.Duration) (bool, error) {
		*width = window
		w.Prune(at, window)
		w.Add(at, hits, "")
		count = w.Len()
		return true, nil
	})
	if err != nil {
		return 0, fmt.Errorf("record hits %q: %w", key, err)
	}
	return count, nil
}

// ClearCounter deletes one counter window.
func (s *NATSStore) ClearCounter(_ context.Context, key string) error {
	if err := s.stateKV.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("clear counter %q: %w", key, err)
	}
	return nil
}

// ClearAll deletes every counter and budget window.
// Params: none.
// Returns: list/delete error.
func (s *NATSStore) ClearAll(_ context.Context) error {
	keys, err := s.windowKeys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.stateKV.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return fmt.Errorf("delete %q: %w", key, err)
		}
	}
	return nil
}

// Reserve claims budgets one by one and compensates on denial.
// Mute flag is checked before and after claiming so a concurrent mute revokes the grant.
// Params: claims, reservation token, and reservation time.
// Returns: muted, denied, or granted verdict.
func (s *NATSStore) Reserve(ctx context.Context, claims []Claim, token string, at time.Time) (Verdict, error) {
	muted, err := s.Muted(ctx)
	if err != nil {
		return "", err
	}
	if muted {
		return VerdictMuted, nil
	}

	claimed := make([]string, 0, len(claims))
	for _, claim := range claims {
		claim := claim
		err := s.mutate(claim.Key, true, func(w *engine.Window, width *time.Duration) (bool, error) {
			*width = claim.Window
			if w.Prune(at, claim.Window) >= claim.Limit {
				return false, errBudgetFull
			}
			w.Add(at, 1, token)
			return true, nil
		})
		if errors.Is(err, errBudgetFull) {
			if rollbackErr := s.Rollback(ctx, claimed, token); rollbackErr != nil {
				return "", fmt.Errorf("compensate denied reservation: %w", rollbackErr)
			}
			return VerdictDenied, nil
		}
		if err != nil {
			_ = s.Rollback(ctx, claimed, token)
			return "", fmt.Errorf("reserve %q: %w", claim.Key, err)
		}
		claimed = append(claimed, claim.Key)
	}

	muted, err = s.Muted(ctx)
	if err != nil || muted {
		if rollbackErr := s.Rollback(ctx, claimed, token); rollbackErr != nil && err == nil {
			err = rollbackErr
		}
		if err != nil {
			return "", err
		}
		return VerdictMuted, nil
	}
	return VerdictGranted, nil
}

// Rollback removes reservation token from budget windows.
// Params: budget keys and reservation token.
// Returns: first CAS/update error.
func (s *NATSStore) Rollback(_ context.Context, keys []string, token string) error {
	for _, key := range keys {
		err := s.mutate(key, false, func(w *engine.Window, _ *time.Duration) (bool, error) {
			return w.RemoveToken(token) > 0, nil
		})
		if err != nil {
			return fmt.Errorf("rollback %q: %w", key, err)
		}
	}
	return nil
}

// SetMuted writes global mute flag.
func (s *NATSStore) SetMuted(_ context.Context, muted bool) error {
	value := "0"
	if muted {
		value = "1"
	}
	if _, err := s.stateKV.PutString(MuteKey, value); err != nil {
		return fmt.Errorf("put mute flag: %w", err)
	}
	return nil
}

// Muted reads global mute flag.
// Params: none.
// Returns: true when flag is set.
func (s *NATSStore) Muted(_ context.Context) (bool, error) {
	entry, err := s.stateKV.Get(MuteKey)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get mute flag: %w", err)
	}
	return string(entry.Value()) == "1", nil
}

// MarkSeen creates seen entry; existing key means duplicate.
// TTL is enforced by seen bucket configuration.
// Params: event id and ignored per-call TTL.
// Returns: true when id was not seen within bucket TTL.
func (s *NATSStore) MarkSeen(_ context.Context, eventID string, _ time.Duration) (bool, error) {
	if eventID == "" {
		return true, nil
	}
	digest := sha1.Sum([]byte(eventID))
	if _, err := s.seenKV.Create("event."+hex.EncodeToString(digest[:]), []byte{'1'}); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("mark seen: %w", err)
	}
	return true, nil
}

// Sweep prunes stale points and deletes empty windows.
// Params: current time.
// Returns: number of deleted windows.
func (s *NATSStore) Sweep(_ context.Context, now time.Time) (int, error) {
	keys, err := s.windowKeys()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		entry, err := s.stateKV.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return removed, fmt.Errorf("get %q: %w", key, err)
		}
		window, width, err := decodeWindow(entry.Value())
		if err != nil {
			return removed, fmt.Errorf("decode %q: %w", key, err)
		}
		if window.Prune(now, width) > 0 {
			continue
		}
		// Revision-guarded delete keeps concurrent writers' points.
		if err := s.stateKV.Delete(key, nats.LastRevision(entry.Revision())); err != nil {
			if isConflict(err) {
				continue
			}
			return removed, fmt.Errorf("delete %q: %w", key, err)
		}
		removed++
	}
	return removed, nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// mutate applies fn to window document under revision CAS.
// Params: key, create toggle for missing documents, and mutation returning write flag.
// Returns: fn error, ErrConflict after retry exhaustion, or KV error.
func (s *NATSStore) mutate(key string, create bool, fn func(w *engine.Window, width *time.Duration) (bool, error)) error {
	for attempt := 0; attempt < s.settings.MaxCASRetries; attempt++ {
		var (
			window   engine.Window
			width    time.Duration
			revision uint64
		)
		entry, err := s.stateKV.Get(key)
		switch {
		case err == nil:
			window, width, err = decodeWindow(entry.Value())
			if err != nil {
				return fmt.Errorf("decode window: %w", err)
			}
			revision = entry.Revision()
		case errors.Is(err, nats.ErrKeyNotFound):
			if !create {
				return nil
			}
		default:
			return fmt.Errorf("get window: %w", err)
		}

		write, err := fn(&window, &width)
		if err != nil {
			return err
		}
		if !write {
			return nil
		}
		body, err := encodeWindow(&window, width)
		if err != nil {
			return err
		}
		if revision == 0 {
			_, err = s.stateKV.Create(key, body)
		} else {
			_, err = s.stateKV.Update(key, body, revision)
		}
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return fmt.Errorf("write window: %w", err)
		}
	}
	return ErrConflict
}

// windowKeys lists counter and budget keys in state bucket.
func (s *NATSStore) windowKeys() ([]string, error) {
	keys, err := s.stateKV.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, "counter/") || strings.HasPrefix(key, "budget/") {
			out = append(out, key)
		}
	}
	return out, nil
}

func isConflict(err error) bool {
	return errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}

// encodeWindow groups equal consecutive points into compact JSON document.
func encodeWindow(w *engine.Window, width time.Duration) ([]byte, error) {
	doc := windowDoc{WidthMS: width.Milliseconds()}
	for _, point := range w.Points() {
		atMS := point.At.UnixMilli()
		if last := len(doc.Points) - 1; last >= 0 && doc.Points[last].AtMS == atMS && doc.Points[last].Token == point.Token {
			doc.Points[last].N++
			continue
		}
		doc.Points = append(doc.Points, pointDoc{AtMS: atMS, N: 1, Token: point.Token})
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode window: %w", err)
	}
	return body, nil
}

func decodeWindow(body []byte) (engine.Window, time.Duration, error) {
	var doc windowDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return engine.Window{}, 0, err
	}
	var window engine.Window
	for _, point := range doc.Points {
		window.Add(time.UnixMilli(point.AtMS).UTC(), point.N, point.Token)
	}
	return window, time.Duration(doc.WidthMS) * time.Millisecond, nil
}
