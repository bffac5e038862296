package store

import (
	"context"
	"fmt"
	"time"

	"github.com/paywise/flowengine/pkg/api"
	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
)

const DefaultPageLimit = 50

// List returns a page of flow digests matching the filter, newest first.
// Candidates come from the narrowest available index; each candidate's
// snapshot is probed field by field without a full decode, so stale index
// entries are filtered out here
func (s *Store) List(
	ctx context.Context, filter *api.FlowFilter, page *api.Page,
) (*api.FlowsListResponse, error) {
	ids, err := s.candidates(ctx, filter)
	if err != nil {
		return nil, err
	}

	limit := DefaultPageLimit
	offset := 0
	if page != nil {
		if page.Limit > 0 {
			limit = page.Limit
		}
		if page.Offset > 0 {
			offset = page.Offset
		}
	}

	res := &api.FlowsListResponse{
		Flows: []*api.FlowDigest{},
	}
	for _, id := range ids {
		raw, err := s.client.Get(ctx, s.flowKey(id)).Result()
		if err != nil {
			// index entries can outlive their snapshots
			continue
		}
		if !matches(raw, filter) {
			continue
		}
		res.Total++
		if res.Total <= offset || len(res.Flows) >= limit {
			continue
		}
		res.Flows = append(res.Flows, digest(raw))
	}
	return res, nil
}

// candidates picks the narrowest index for the filter. Correlation and user
// sets are small; the created-at ranking covers everything else and keeps
// newest-first ordering
func (s *Store) candidates(
	ctx context.Context, filter *api.FlowFilter,
) ([]api.FlowID, error) {
	var members []string
	var err error

	switch {
	case filter != nil && filter.CorrelationID != "":
		members, err = s.client.SMembers(
			ctx, s.corrKey(filter.CorrelationID),
		).Result()
	case filter != nil && filter.UserID != "":
		members, err = s.client.SMembers(
			ctx, s.userKey(filter.UserID),
		).Result()
	case filter != nil && filter.Status != "":
		members, err = s.client.SMembers(
			ctx, s.statusKey(filter.Status),
		).Result()
	default:
		members, err = s.client.ZRevRangeByScore(ctx, s.createdKey(),
			&redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}

	ids := make([]api.FlowID, len(members))
	for i, m := range members {
		ids[i] = api.FlowID(m)
	}
	return ids, nil
}

func matches(raw string, filter *api.FlowFilter) bool {
	if filter == nil {
		return true
	}
	if filter.Status != "" &&
		gjson.Get(raw, "status").String() != string(filter.Status) {
		return false
	}
	if filter.Type != "" &&
		gjson.Get(raw, "type").String() != string(filter.Type) {
		return false
	}
	if filter.CorrelationID != "" &&
		gjson.Get(raw, "correlation_id").String() !=
			string(filter.CorrelationID) {
		return false
	}
	if filter.UserID != "" &&
		gjson.Get(raw, "user_id").String() != string(filter.UserID) {
		return false
	}
	if !filter.CreatedAfter.IsZero() || !filter.CreatedBefore.IsZero() {
		created := parseTime(gjson.Get(raw, "created_at").String())
		if !filter.CreatedAfter.IsZero() &&
			created.Before(filter.CreatedAfter) {
			return false
		}
		if !filter.CreatedBefore.IsZero() &&
			!created.Before(filter.CreatedBefore) {
			return false
		}
	}
	return true
}

func digest(raw string) *api.FlowDigest {
	return &api.FlowDigest{
		ID:            api.FlowID(gjson.Get(raw, "id").String()),
		Type:          api.FlowType(gjson.Get(raw, "type").String()),
		Status:        api.FlowStatus(gjson.Get(raw, "status").String()),
		CorrelationID: api.CorrelationID(
			gjson.Get(raw, "correlation_id").String(),
		),
		UserID:       api.UserID(gjson.Get(raw, "user_id").String()),
		CurrentStep:  api.StepName(gjson.Get(raw, "current_step").String()),
		LastError:    gjson.Get(raw, "last_error").String(),
		CurrentIndex: int(gjson.Get(raw, "current_index").Int()),
		TotalSteps:   int(gjson.Get(raw, "total_steps").Int()),
		CreatedAt:    parseTime(gjson.Get(raw, "created_at").String()),
		CompletedAt:  parseTime(gjson.Get(raw, "completed_at").String()),
	}
}

// ListArchivable returns terminal flows whose completion timestamp is older
// than the cutoff. The archiver copies these out and deletes them
func (s *Store) ListArchivable(
	ctx context.Context, before time.Time,
) ([]api.FlowID, error) {
	var ids []api.FlowID
	terminal := []api.FlowStatus{
		api.FlowCompleted, api.FlowFailed, api.FlowCancelled,
	}
	for _, status := range terminal {
		members, err := s.client.SMembers(
			ctx, s.statusKey(status),
		).Result()
		if err != nil {
			return nil, fmt.Errorf("list archivable: %w", err)
		}
		for _, m := range members {
			raw, err := s.client.Get(
				ctx, s.flowKey(api.FlowID(m)),
			).Result()
			if err != nil {
				continue
			}
			done := parseTime(gjson.Get(raw, "completed_at").String())
			if !done.IsZero() && done.Before(before) {
				ids = append(ids, api.FlowID(m))
			}
		}
	}
	return ids, nil
}

// GetRaw returns the snapshot document without decoding it. The archiver
// writes this verbatim to the bucket
func (s *Store) GetRaw(
	ctx context.Context, id api.FlowID,
) ([]byte, error) {
	raw, err := s.client.Get(ctx, s.flowKey(id)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, id)
	}
	return raw, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
