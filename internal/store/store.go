// Package store persists flow snapshots in Redis. Each flow is a single
// self-contained JSON document guarded by a version counter; commits go
// through a server-side compare-and-set script so concurrent writers cannot
// interleave snapshots
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paywise/flowengine/internal/config"
	"github.com/paywise/flowengine/pkg/api"
	"github.com/paywise/flowengine/pkg/log"
	"github.com/redis/go-redis/v9"
)

// Store reads and writes flow snapshots and their secondary indexes
type Store struct {
	client redis.UniversalClient
	logger *slog.Logger
	prefix string
}

var (
	ErrFlowNotFound    = errors.New("flow not found")
	ErrFlowExists      = errors.New("flow already exists")
	ErrVersionConflict = errors.New("snapshot version conflict")
)

// casScript installs a snapshot only when the stored version counter matches
// the caller's expectation. A missing counter reads as zero, which is the
// expected version for a create
var casScript = redis.NewScript(`
local ver = redis.call('GET', KEYS[2])
if not ver then
  ver = '0'
end
if ver ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('SET', KEYS[2], ARGV[3])
return 1
`)

// New connects to Redis using the provided store configuration
func New(cfg config.StoreConfig, logger *slog.Logger) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.Prefix, logger)
}

// NewWithClient wraps an existing Redis client. Tests use this with miniredis
func NewWithClient(
	client redis.UniversalClient, prefix string, logger *slog.Logger,
) *Store {
	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Ping verifies the Redis connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying Redis client
func (s *Store) Close() error {
	return s.client.Close()
}

// Get loads the latest committed snapshot of a flow
func (s *Store) Get(
	ctx context.Context, id api.FlowID,
) (*api.FlowState, error) {
	raw, err := s.client.Get(ctx, s.flowKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get flow %s: %w", id, err)
	}

	var state api.FlowState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode flow %s: %w", id, err)
	}
	return &state, nil
}

// Create commits the first snapshot of a flow. Fails with ErrFlowExists if
// any snapshot for the ID has already been committed
func (s *Store) Create(ctx context.Context, state *api.FlowState) error {
	if err := s.compareAndSet(ctx, 0, state); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return fmt.Errorf("%w: %s", ErrFlowExists, state.ID)
		}
		return err
	}
	s.updateIndexes(ctx, nil, state)
	return nil
}

// Put commits a snapshot on top of the previously committed one. The write
// succeeds only if prev is still the latest; otherwise ErrVersionConflict is
// returned and the caller must reload and reapply
func (s *Store) Put(
	ctx context.Context, prev, next *api.FlowState,
) error {
	if err := s.compareAndSet(ctx, prev.Version, next); err != nil {
		return err
	}
	s.updateIndexes(ctx, prev, next)
	return nil
}

func (s *Store) compareAndSet(
	ctx context.Context, expected int64, next *api.FlowState,
) error {
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode flow %s: %w", next.ID, err)
	}

	keys := []string{s.flowKey(next.ID), s.verKey(next.ID)}
	ok, err := casScript.Run(
		ctx, s.client, keys, expected, raw, next.Version,
	).Int()
	if err != nil {
		return fmt.Errorf("commit flow %s: %w", next.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s at version %d",
			ErrVersionConflict, next.ID, expected)
	}
	return nil
}

// updateIndexes maintains the secondary indexes after a successful commit.
// Only the CAS winner reaches this, so updates never interleave. A crash
// between commit and index update can leave an index stale; the list read
// path re-checks every candidate against its snapshot
func (s *Store) updateIndexes(
	ctx context.Context, prev, next *api.FlowState,
) {
	id := string(next.ID)
	pipe := s.client.Pipeline()

	if prev == nil {
		pipe.ZAdd(ctx, s.createdKey(), redis.Z{
			Score:  float64(next.CreatedAt.UnixMilli()),
			Member: id,
		})
		if next.CorrelationID != "" {
			pipe.SAdd(ctx, s.corrKey(next.CorrelationID), id)
		}
		if next.UserID != "" {
			pipe.SAdd(ctx, s.userKey(next.UserID), id)
		}
	}

	if prev == nil || prev.Status != next.Status {
		if prev != nil {
			pipe.SRem(ctx, s.statusKey(prev.Status), id)
		}
		pipe.SAdd(ctx, s.statusKey(next.Status), id)
		if next.Status.IsTerminal() {
			pipe.SRem(ctx, s.activeKey(), id)
		} else {
			pipe.SAdd(ctx, s.activeKey(), id)
		}
	}

	if resume, ok := earliestResume(next); ok {
		pipe.ZAdd(ctx, s.resumeKey(), redis.Z{
			Score:  float64(resume.UnixMilli()),
			Member: id,
		})
	} else {
		pipe.ZRem(ctx, s.resumeKey(), id)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("index update failed",
			log.FlowID(next.ID), log.Error(err))
	}
}

// Delete removes a flow snapshot and all its index entries. Used by the
// archiver after the snapshot has been copied out
func (s *Store) Delete(ctx context.Context, id api.FlowID) error {
	state, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.flowKey(id), s.verKey(id))
	pipe.SRem(ctx, s.statusKey(state.Status), string(id))
	pipe.SRem(ctx, s.activeKey(), string(id))
	pipe.ZRem(ctx, s.createdKey(), string(id))
	pipe.ZRem(ctx, s.resumeKey(), string(id))
	if state.CorrelationID != "" {
		pipe.SRem(ctx, s.corrKey(state.CorrelationID), string(id))
	}
	if state.UserID != "" {
		pipe.SRem(ctx, s.userKey(state.UserID), string(id))
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete flow %s: %w", id, err)
	}
	return nil
}

// ListNonTerminal returns the IDs of all flows that have not reached a
// terminal status. Restore scans these on startup
func (s *Store) ListNonTerminal(ctx context.Context) ([]api.FlowID, error) {
	members, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list active flows: %w", err)
	}
	ids := make([]api.FlowID, len(members))
	for i, m := range members {
		ids[i] = api.FlowID(m)
	}
	return ids, nil
}

// ListResumeDue returns flows with at least one step whose retry deadline
// has passed, ordered by earliest deadline first
func (s *Store) ListResumeDue(
	ctx context.Context, now time.Time,
) ([]api.FlowID, error) {
	members, err := s.client.ZRangeByScore(ctx, s.resumeKey(),
		&redis.ZRangeBy{
			Min: "-inf",
			Max: fmt.Sprintf("%d", now.UnixMilli()),
		}).Result()
	if err != nil {
		return nil, fmt.Errorf("list resume due: %w", err)
	}
	ids := make([]api.FlowID, len(members))
	for i, m := range members {
		ids[i] = api.FlowID(m)
	}
	return ids, nil
}

// Statistics returns flow counts per lifecycle status
func (s *Store) Statistics(
	ctx context.Context,
) (map[api.FlowStatus]int64, error) {
	statuses := []api.FlowStatus{
		api.FlowInitializing, api.FlowReady, api.FlowRunning,
		api.FlowPaused, api.FlowCompleted, api.FlowFailed,
		api.FlowCancelled,
	}

	pipe := s.client.Pipeline()
	cards := make([]*redis.IntCmd, len(statuses))
	for i, st := range statuses {
		cards[i] = pipe.SCard(ctx, s.statusKey(st))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}

	counts := make(map[api.FlowStatus]int64, len(statuses))
	for i, st := range statuses {
		counts[st] = cards[i].Val()
	}
	return counts, nil
}

// earliestResume finds the soonest retry deadline among non-terminal steps
func earliestResume(state *api.FlowState) (time.Time, bool) {
	var earliest time.Time
	for _, step := range state.Steps {
		if step.ResumeAt.IsZero() || step.Status.IsTerminal() {
			continue
		}
		if earliest.IsZero() || step.ResumeAt.Before(earliest) {
			earliest = step.ResumeAt
		}
	}
	return earliest, !earliest.IsZero()
}

func (s *Store) flowKey(id api.FlowID) string {
	return fmt.Sprintf("%s:flow:%s", s.prefix, id)
}

func (s *Store) verKey(id api.FlowID) string {
	return fmt.Sprintf("%s:ver:%s", s.prefix, id)
}

func (s *Store) statusKey(status api.FlowStatus) string {
	return fmt.Sprintf("%s:idx:status:%s", s.prefix, status)
}

func (s *Store) corrKey(id api.CorrelationID) string {
	return fmt.Sprintf("%s:idx:corr:%s", s.prefix, id)
}

func (s *Store) userKey(id api.UserID) string {
	return fmt.Sprintf("%s:idx:user:%s", s.prefix, id)
}

func (s *Store) activeKey() string {
	return s.prefix + ":idx:active"
}

func (s *Store) createdKey() string {
	return s.prefix + ":idx:created"
}

func (s *Store) resumeKey() string {
	return s.prefix + ":idx:resume"
}
