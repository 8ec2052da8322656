// Package redisstore implements statestore.Store on Redis.
//
// A state is a JSON document at <prefix>state:<key>. A sorted set at
// <prefix>modified scores every key by its modified time in milliseconds and
// serves interval queries. All writes are Lua scripts so the version check
// and the write are atomic.
package redisstore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/sessionflow/errors"
	"github.com/c360/sessionflow/statestore"
)

// DefaultPrefix namespaces every key written by the store
const DefaultPrefix = "sessionflow:state:"

type document struct {
	Value    []byte              `json:"value"`
	Version  int                 `json:"version"`
	Metadata statestore.Metadata `json:"metadata,omitempty"`
	Modified time.Time           `json:"modified"`
}

// Config describes a Redis connection
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TLS      *tls.Config
}

// Store is a statestore.Store backed by Redis
type Store struct {
	client redis.UniversalClient
	prefix string
	clock  func() time.Time
	logger *slog.Logger
}

var _ statestore.Store = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithClock sets the time source used to stamp ModifiedTime
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithPrefix sets the key prefix
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a store over an existing client
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: DefaultPrefix,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "redisstore")
	return s
}

// Dial connects to Redis, verifies the connection and returns a store
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "redisstore", "Dial", "ping redis")
	}
	return New(client, append([]Option{WithPrefix(cfg.Prefix)}, opts...)...), nil
}

// Close closes the underlying client
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) stateKey(key string) string { return s.prefix + "state:" + key }
func (s *Store) indexKey() string           { return s.prefix + "modified" }

// createScript writes KEYS[1] only if absent and indexes it.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// updateScript replaces KEYS[1] if its stored version equals ARGV[1].
// Returns {1} on success, {0, current} on a version mismatch and {-1} if the
// key is absent.
var updateScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return {-1}
end
if cjson.decode(cur).version ~= tonumber(ARGV[1]) then
  return {0, cur}
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return {1}
`)

// deleteScript removes KEYS[1] if its stored version equals ARGV[1], with the
// same replies as updateScript.
var deleteScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return {-1}
end
if cjson.decode(cur).version ~= tonumber(ARGV[1]) then
  return {0, cur}
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return {1}
`)

func unavailable(err error, method, action string) error {
	return errors.WrapTransient(
		fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "redisstore", method, action)
}

func encode(s statestore.State) ([]byte, error) {
	return json.Marshal(document{
		Value:    s.Value,
		Version:  s.Version,
		Metadata: s.Metadata,
		Modified: s.ModifiedTime,
	})
}

func decode(key string, data []byte) (statestore.State, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return statestore.State{}, errors.WrapInvalid(err, "redisstore", "decode", fmt.Sprintf("decode state %q", key))
	}
	return statestore.State{
		Key:          key,
		Value:        doc.Value,
		Version:      doc.Version,
		Metadata:     doc.Metadata,
		ModifiedTime: doc.Modified.UTC(),
	}, nil
}

// scriptReply splits a {code, current?} script reply
func scriptReply(res []any) (int64, string) {
	if len(res) == 0 {
		return -1, ""
	}
	code, _ := res[0].(int64)
	if len(res) < 2 {
		return code, ""
	}
	cur, _ := res[1].(string)
	return code, cur
}

// Create implements statestore.Store
func (s *Store) Create(ctx context.Context, states []statestore.State) (map[string]error, error) {
	failed := make(map[string]error)
	now := statestore.StampTime(s.clock())

	for _, st := range states {
		stored := st.Clone()
		stored.Version = 0
		stored.ModifiedTime = now
		data, err := encode(stored)
		if err != nil {
			return failed, errors.WrapInvalid(err, "redisstore", "Create", fmt.Sprintf("encode state %q", st.Key))
		}

		created, err := createScript.Run(ctx, s.client,
			[]string{s.stateKey(st.Key), s.indexKey()},
			data, now.UnixMilli(), st.Key).Int()
		if err != nil {
			return failed, unavailable(err, "Create", fmt.Sprintf("create %q", st.Key))
		}
		if created == 0 {
			failed[st.Key] = fmt.Errorf("%w: key %q already exists", errors.ErrVersionConflict, st.Key)
		}
	}
	return failed, nil
}

// Get implements statestore.Store
func (s *Store) Get(ctx context.Context, keys []string) (map[string]statestore.State, error) {
	out := make(map[string]statestore.State, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	if err := s.mget(ctx, keys, func(st statestore.State) { out[st.Key] = st }); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) mget(ctx context.Context, keys []string, visit func(statestore.State)) error {
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.stateKey(k)
	}

	values, err := s.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return unavailable(err, "Get", "mget states")
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		st, err := decode(keys[i], []byte(raw))
		if err != nil {
			return err
		}
		visit(st)
	}
	return nil
}

// Update implements statestore.Store
func (s *Store) Update(ctx context.Context, states []statestore.State) (map[string]statestore.State, error) {
	failed := make(map[string]statestore.State)
	now := statestore.StampTime(s.clock())

	for _, st := range states {
		stored := st.Clone()
		stored.Version = st.Version + 1
		stored.ModifiedTime = now
		data, err := encode(stored)
		if err != nil {
			return failed, errors.WrapInvalid(err, "redisstore", "Update", fmt.Sprintf("encode state %q", st.Key))
		}

		res, err := updateScript.Run(ctx, s.client,
			[]string{s.stateKey(st.Key), s.indexKey()},
			strconv.Itoa(st.Version), data, now.UnixMilli(), st.Key).Slice()
		if err != nil {
			return failed, unavailable(err, "Update", fmt.Sprintf("update %q", st.Key))
		}

		switch code, cur := scriptReply(res); code {
		case 1:
		case 0:
			current, err := decode(st.Key, []byte(cur))
			if err != nil {
				return failed, err
			}
			failed[st.Key] = current
		default:
			failed[st.Key] = st.Clone()
		}
	}
	return failed, nil
}

// Delete implements statestore.Store
func (s *Store) Delete(ctx context.Context, states []statestore.State) (map[string]statestore.State, error) {
	failed := make(map[string]statestore.State)

	for _, st := range states {
		res, err := deleteScript.Run(ctx, s.client,
			[]string{s.stateKey(st.Key), s.indexKey()},
			strconv.Itoa(st.Version), st.Key).Slice()
		if err != nil {
			return failed, unavailable(err, "Delete", fmt.Sprintf("delete %q", st.Key))
		}

		if code, cur := scriptReply(res); code == 0 {
			current, err := decode(st.Key, []byte(cur))
			if err != nil {
				return failed, err
			}
			failed[st.Key] = current
		}
	}
	return failed, nil
}

// FindUpdatedBetweenWithMetadataFilter implements statestore.Store
func (s *Store) FindUpdatedBetweenWithMetadataFilter(
	ctx context.Context, interval statestore.IntervalFilter, filter statestore.MetadataFilter,
) (map[string]statestore.State, error) {
	return s.find(ctx, interval, []statestore.MetadataFilter{filter})
}

// FindUpdatedBetweenWithMetadataMatchingAny implements statestore.Store
func (s *Store) FindUpdatedBetweenWithMetadataMatchingAny(
	ctx context.Context, interval statestore.IntervalFilter, filters []statestore.MetadataFilter,
) (map[string]statestore.State, error) {
	return s.find(ctx, interval, filters)
}

func scoreBound(t time.Time, open string) string {
	if t.IsZero() {
		return open
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (s *Store) find(
	ctx context.Context, interval statestore.IntervalFilter, filters []statestore.MetadataFilter,
) (map[string]statestore.State, error) {
	out := make(map[string]statestore.State)
	if len(filters) == 0 {
		return out, nil
	}

	keys, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: scoreBound(interval.Start, "-inf"),
		Max: scoreBound(interval.End, "+inf"),
	}).Result()
	if err != nil {
		return nil, unavailable(err, "Find", "range modified index")
	}
	if len(keys) == 0 {
		return out, nil
	}

	err = s.mget(ctx, keys, func(st statestore.State) {
		// The index is ms precise; the stored time is authoritative.
		if interval.Contains(st.ModifiedTime) && statestore.MatchesAny(st.Metadata, filters) {
			out[st.Key] = st
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
