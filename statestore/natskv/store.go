// Package natskv implements statestore.Store on a NATS JetStream key-value
// bucket.
//
// Each state is stored as a JSON envelope under the base64url encoding of its
// key, so keys may contain any character. The bucket revision is used for
// compare-and-set, the envelope version is the store-level version.
package natskv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360/sessionflow/errors"
	"github.com/c360/sessionflow/natsclient"
	"github.com/c360/sessionflow/statestore"
)

// DefaultScanConcurrency bounds parallel reads during a query scan
const DefaultScanConcurrency = 16

type envelope struct {
	Value    []byte              `json:"value"`
	Version  int                 `json:"version"`
	Metadata statestore.Metadata `json:"metadata,omitempty"`
	Modified time.Time           `json:"modified"`
}

// Store is a statestore.Store backed by a JetStream KV bucket
type Store struct {
	kv              *natsclient.KVStore
	clock           func() time.Time
	logger          *slog.Logger
	scanConcurrency int
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

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithScanConcurrency bounds the parallel reads of a query
func WithScanConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.scanConcurrency = n
		}
	}
}

// New creates a store over an existing KV store
func New(kv *natsclient.KVStore, opts ...Option) *Store {
	s := &Store{
		kv:              kv,
		clock:           time.Now,
		logger:          slog.Default(),
		scanConcurrency: DefaultScanConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "natskv")
	return s
}

// Open ensures the bucket exists and returns a store over it
func Open(ctx context.Context, client *natsclient.Client, bucket string, opts ...Option) (*Store, error) {
	kvBucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "sessionflow state store",
		History:     1,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "natskv", "Open", fmt.Sprintf("open bucket %s", bucket))
	}
	return New(client.NewKVStore(kvBucket), opts...), nil
}

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeKey(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func marshal(s statestore.State) ([]byte, error) {
	return json.Marshal(envelope{
		Value:    s.Value,
		Version:  s.Version,
		Metadata: s.Metadata,
		Modified: s.ModifiedTime,
	})
}

func unmarshal(key string, data []byte) (statestore.State, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return statestore.State{}, err
	}
	return statestore.State{
		Key:          key,
		Value:        env.Value,
		Version:      env.Version,
		Metadata:     env.Metadata,
		ModifiedTime: env.Modified.UTC(),
	}, nil
}

// load returns the stored state and its bucket revision, or nil if absent
func (s *Store) load(ctx context.Context, key string) (*statestore.State, uint64, error) {
	entry, err := s.kv.Get(ctx, encodeKey(key))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	st, err := unmarshal(key, entry.Value)
	if err != nil {
		return nil, 0, errors.WrapInvalid(err, "natskv", "load", fmt.Sprintf("decode state %q", key))
	}
	return &st, entry.Revision, nil
}

func unavailable(err error, method, action string) error {
	return errors.WrapTransient(
		fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "natskv", method, action)
}

// Create implements statestore.Store
func (s *Store) Create(ctx context.Context, states []statestore.State) (map[string]error, error) {
	failed := make(map[string]error)
	now := statestore.StampTime(s.clock())

	for _, st := range states {
		stored := st.Clone()
		stored.Version = 0
		stored.ModifiedTime = now

		data, err := marshal(stored)
		if err != nil {
			return failed, errors.WrapInvalid(err, "natskv", "Create", fmt.Sprintf("encode state %q", st.Key))
		}
		if _, err := s.kv.Create(ctx, encodeKey(st.Key), data); err != nil {
			if stderrors.Is(err, natsclient.ErrKVKeyExists) {
				failed[st.Key] = fmt.Errorf("%w: key %q already exists", errors.ErrVersionConflict, st.Key)
				continue
			}
			return failed, unavailable(err, "Create", fmt.Sprintf("create %q", st.Key))
		}
	}
	return failed, nil
}

// Get implements statestore.Store
func (s *Store) Get(ctx context.Context, keys []string) (map[string]statestore.State, error) {
	out := make(map[string]statestore.State, len(keys))
	for _, key := range keys {
		st, _, err := s.load(ctx, key)
		if err != nil {
			return nil, unavailable(err, "Get", fmt.Sprintf("get %q", key))
		}
		if st != nil {
			out[key] = *st
		}
	}
	return out, nil
}

// Update implements statestore.Store
func (s *Store) Update(ctx context.Context, states []statestore.State) (map[string]statestore.State, error) {
	failed := make(map[string]statestore.State)
	now := statestore.StampTime(s.clock())

	for _, st := range states {
		current, revision, err := s.load(ctx, st.Key)
		if err != nil {
			return failed, unavailable(err, "Update", fmt.Sprintf("read %q", st.Key))
		}
		if current == nil {
			failed[st.Key] = st.Clone()
			continue
		}
		if current.Version != st.Version {
			failed[st.Key] = *current
			continue
		}

		stored := st.Clone()
		stored.Version = current.Version + 1
		stored.ModifiedTime = now
		data, err := marshal(stored)
		if err != nil {
			return failed, errors.WrapInvalid(err, "natskv", "Update", fmt.Sprintf("encode state %q", st.Key))
		}

		if _, err := s.kv.Update(ctx, encodeKey(st.Key), data, revision); err != nil {
			if !stderrors.Is(err, natsclient.ErrKVRevisionMismatch) {
				return failed, unavailable(err, "Update", fmt.Sprintf("update %q", st.Key))
			}
			// Lost a race with another writer; report what won.
			winner, _, err := s.load(ctx, st.Key)
			if err != nil {
				return failed, unavailable(err, "Update", fmt.Sprintf("reread %q", st.Key))
			}
			if winner == nil {
				failed[st.Key] = st.Clone()
			} else {
				failed[st.Key] = *winner
			}
			s.logger.Debug("Concurrent update detected", "key", st.Key, "version", st.Version)
		}
	}
	return failed, nil
}

// Delete implements statestore.Store
func (s *Store) Delete(ctx context.Context, states []statestore.State) (map[string]statestore.State, error) {
	failed := make(map[string]statestore.State)

	for _, st := range states {
		current, revision, err := s.load(ctx, st.Key)
		if err != nil {
			return failed, unavailable(err, "Delete", fmt.Sprintf("read %q", st.Key))
		}
		if current == nil {
			continue
		}
		if current.Version != st.Version {
			failed[st.Key] = *current
			continue
		}

		err = s.kv.Delete(ctx, encodeKey(st.Key), revision)
		switch {
		case err == nil, stderrors.Is(err, natsclient.ErrKVKeyNotFound):
		case stderrors.Is(err, natsclient.ErrKVRevisionMismatch):
			winner, _, rerr := s.load(ctx, st.Key)
			if rerr != nil {
				return failed, unavailable(rerr, "Delete", fmt.Sprintf("reread %q", st.Key))
			}
			if winner != nil {
				failed[st.Key] = *winner
			}
		default:
			return failed, unavailable(err, "Delete", fmt.Sprintf("delete %q", st.Key))
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

// find scans every key of the bucket. Buckets hold live sessions only, so a
// full scan stays bounded by the number of open flows.
func (s *Store) find(
	ctx context.Context, interval statestore.IntervalFilter, filters []statestore.MetadataFilter,
) (map[string]statestore.State, error) {
	out := make(map[string]statestore.State)
	if len(filters) == 0 {
		return out, nil
	}

	encoded, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, unavailable(err, "Find", "list keys")
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.scanConcurrency)
	for _, ek := range encoded {
		key, err := decodeKey(ek)
		if err != nil {
			s.logger.Warn("Skipping foreign key in bucket", "key", ek)
			continue
		}
		g.Go(func() error {
			st, _, err := s.load(gctx, key)
			if err != nil {
				return err
			}
			if st == nil || !interval.Contains(st.ModifiedTime) || !statestore.MatchesAny(st.Metadata, filters) {
				return nil
			}
			mu.Lock()
			out[key] = *st
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, unavailable(err, "Find", "scan states")
	}
	return out, nil
}
