package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/getpup/pupstore/es"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisTier.
type RedisConfig struct {
	// Prefix namespaces every key of the tier.
	Prefix string

	// TTL bounds the lifetime of a cached entry.
	TTL time.Duration

	// GenerationTTL bounds the lifetime of a key generation. It must exceed the
	// longest backend read, or a slow reader may populate over an invalidation.
	GenerationTTL time.Duration
}

// DefaultRedisConfig returns the default RedisTier configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Prefix:        "pupstore",
		TTL:           5 * time.Minute,
		GenerationTTL: time.Hour,
	}
}

// RedisTier is a shared tier stored in Redis. Entries of one key and its
// generation share a hash tag, so the tier also runs on Redis Cluster.
// Eviction beyond TTL follows the server's maxmemory policy.
type RedisTier struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

// NewRedisTier returns a RedisTier using client.
func NewRedisTier(client redis.UniversalClient, cfg RedisConfig) *RedisTier {
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = "pupstore"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultRedisConfig().TTL
	}
	if cfg.GenerationTTL < cfg.TTL {
		cfg.GenerationTTL = cfg.TTL
	}
	return &RedisTier{client: client, cfg: cfg}
}

// Connect opens a Redis client from a redis:// URL or a host:port address.
func Connect(addrOrURL string) (*redis.Client, error) {
	if strings.Contains(addrOrURL, "://") {
		opts, err := redis.ParseURL(addrOrURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: addrOrURL}), nil
}

// KEYS[1] generation, KEYS[2] entry; ARGV[1] token, ARGV[2] value, ARGV[3] ttl ms.
var populateScript = redis.NewScript(`
local g = redis.call("GET", KEYS[1])
if not g then g = "0" end
if g ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)

// KEYS[1] generation, KEYS[2] entry; ARGV[1] generation ttl ms.
var invalidateScript = redis.NewScript(`
local g = redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
redis.call("DEL", KEYS[2])
return g
`)

// Name implements Tier.
func (t *RedisTier) Name() string { return "redis" }

func (t *RedisTier) keys(key string) (gen, entry string) {
	base := t.cfg.Prefix + ":{" + key + "}"
	return base + ":gen", base + ":entry"
}

// Get implements Tier.
func (t *RedisTier) Get(ctx context.Context, key string) (Entry, bool, error) {
	_, entryKey := t.keys(key)
	raw, err := t.client.Get(ctx, entryKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, err
	}

	var w wireEntry
	if err := json.Unmarshal(raw, &w); err != nil {
		return Entry{}, false, fmt.Errorf("decoding cached entry %s: %w", key, err)
	}
	return w.entry(), true, nil
}

// Token implements Tier.
func (t *RedisTier) Token(ctx context.Context, key string) (uint64, error) {
	genKey, _ := t.keys(key)
	s, err := t.client.Get(ctx, genKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, 64)
}

// Populate implements Tier.
func (t *RedisTier) Populate(ctx context.Context, key string, token uint64, entry Entry) error {
	raw, err := json.Marshal(newWireEntry(entry))
	if err != nil {
		return err
	}
	genKey, entryKey := t.keys(key)
	n, err := populateScript.Run(ctx, t.client, []string{genKey, entryKey},
		strconv.FormatUint(token, 10), raw, t.cfg.TTL.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleToken
	}
	return nil
}

// Invalidate implements Tier.
func (t *RedisTier) Invalidate(ctx context.Context, key string) error {
	genKey, entryKey := t.keys(key)
	return invalidateScript.Run(ctx, t.client, []string{genKey, entryKey},
		t.cfg.GenerationTTL.Milliseconds()).Err()
}

type wireEntry struct {
	From   int64       `json:"from"`
	Events []wireEvent `json:"events"`
}

type wireEvent struct {
	EventID          uuid.UUID   `json:"event_id"`
	AggregateID      string      `json:"aggregate_id"`
	AggregateType    string      `json:"aggregate_type"`
	EventType        string      `json:"event_type"`
	SchemaVersion    int         `json:"schema_version"`
	Payload          []byte      `json:"payload"`
	ContentType      string      `json:"content_type"`
	Metadata         es.Metadata `json:"metadata"`
	AggregateVersion int64       `json:"aggregate_version"`
	GlobalPosition   int64       `json:"global_position"`
}

func newWireEntry(e Entry) wireEntry {
	w := wireEntry{From: e.From, Events: make([]wireEvent, len(e.Events))}
	for i, ev := range e.Events {
		w.Events[i] = wireEvent{
			EventID:          ev.EventID,
			AggregateID:      ev.AggregateID,
			AggregateType:    ev.AggregateType,
			EventType:        ev.EventType,
			SchemaVersion:    ev.SchemaVersion,
			Payload:          ev.Payload,
			ContentType:      ev.ContentType,
			Metadata:         ev.Metadata,
			AggregateVersion: ev.AggregateVersion,
			GlobalPosition:   ev.GlobalPosition,
		}
	}
	return w
}

func (w wireEntry) entry() Entry {
	e := Entry{From: w.From, Events: make([]es.PersistedEvent, len(w.Events))}
	for i, ev := range w.Events {
		e.Events[i] = es.PersistedEvent{
			Event: es.Event{
				EventID:          ev.EventID,
				AggregateID:      ev.AggregateID,
				AggregateType:    ev.AggregateType,
				EventType:        ev.EventType,
				SchemaVersion:    ev.SchemaVersion,
				Payload:          ev.Payload,
				ContentType:      ev.ContentType,
				Metadata:         ev.Metadata,
				AggregateVersion: ev.AggregateVersion,
			},
			GlobalPosition: ev.GlobalPosition,
		}
	}
	return e
}
