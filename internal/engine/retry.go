package engine

import (
	"context"
	"sync"
	"time"

	"github.com/paywise/flowengine/internal/bus"
	"github.com/paywise/flowengine/internal/util"
	"github.com/paywise/flowengine/pkg/api"
	"github.com/paywise/flowengine/pkg/log"
)

type (
	// RetryQueue is a thread-safe queue for scheduled retries, keyed by
	// flow and step so a re-park replaces the earlier deadline
	RetryQueue struct {
		mu      sync.Mutex
		items   map[api.FlowStep]*RetryItem
		next    *RetryItem
		notify  chan struct{}
		stopped bool
	}

	// RetryItem represents a scheduled retry
	RetryItem struct {
		FlowID   api.FlowID
		Step     api.StepName
		ResumeAt time.Time
	}

	retryTimer struct {
		timer *time.Timer
	}
)

// NewRetryQueue creates a new retry queue
func NewRetryQueue() *RetryQueue {
	return &RetryQueue{
		items:  make(map[api.FlowStep]*RetryItem),
		notify: make(chan struct{}, 1),
	}
}

// Push adds or updates a retry item and reports if the next deadline changed
func (q *RetryQueue) Push(item *RetryItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return false
	}

	key := api.FlowStep{FlowID: item.FlowID, Step: item.Step}
	prevNext := q.next
	prevTime := time.Time{}
	if prevNext != nil {
		prevTime = prevNext.ResumeAt
	}
	q.items[key] = item
	q.recalcNext()
	if q.next == nil {
		return false
	}
	if prevNext == q.next && q.next.ResumeAt.Equal(prevTime) {
		return false
	}
	q.signal()
	return true
}

// Remove removes a retry item from the queue
func (q *RetryQueue) Remove(flowID api.FlowID, step api.StepName) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := api.FlowStep{FlowID: flowID, Step: step}
	item := q.items[key]

	delete(q.items, key)
	if q.next == item {
		q.recalcNext()
	}
}

// RemoveFlow removes all retry items for a flow
func (q *RetryQueue) RemoveFlow(flowID api.FlowID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	needsRecalc := false
	for key, item := range q.items {
		if key.FlowID == flowID {
			delete(q.items, key)
			if q.next == item {
				needsRecalc = true
			}
		}
	}

	if needsRecalc {
		q.recalcNext()
	}
}

// Peek returns the earliest retry time
func (q *RetryQueue) Peek() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.next == nil {
		return time.Time{}, false
	}
	return q.next.ResumeAt, true
}

// PopReady removes and returns all items whose retry time has passed
func (q *RetryQueue) PopReady(now time.Time) []*RetryItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []*RetryItem
	for key, item := range q.items {
		if !item.ResumeAt.After(now) {
			ready = append(ready, item)
			delete(q.items, key)
		}
	}

	if len(ready) > 0 {
		q.recalcNext()
	}
	return ready
}

// Notify returns the channel that signals queue changes
func (q *RetryQueue) Notify() <-chan struct{} {
	return q.notify
}

// Stop stops the queue and prevents further pushes
func (q *RetryQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return
	}
	q.stopped = true
	close(q.notify)
}

// Len returns the number of items in the queue
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *RetryQueue) recalcNext() {
	q.next = nil
	for _, item := range q.items {
		if q.next == nil || item.ResumeAt.Before(q.next.ResumeAt) {
			q.next = item
		}
	}
}

func (q *RetryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (t *retryTimer) Reset(nextTime time.Time) <-chan time.Time {
	delay := max(time.Until(nextTime), 0)
	if t.timer == nil {
		t.timer = time.NewTimer(delay)
		return t.timer.C
	}
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
	t.timer.Reset(delay)
	return t.timer.C
}

func (t *retryTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

// retryLoop drives parked retries. The in-process queue gives sub-second
// precision for flows parked by this process; the periodic store sweep
// catches flows parked before a restart
func (e *Engine) retryLoop() {
	ticker := time.NewTicker(e.config.RetrySweepInterval)
	defer ticker.Stop()

	timer := &retryTimer{}
	defer timer.Stop()

	inFlight := make(chan struct{}, e.config.RetryMaxInFlight)

	for {
		var timerC <-chan time.Time
		if next, ok := e.retries.Peek(); ok {
			timerC = timer.Reset(next)
		}

		select {
		case <-e.ctx.Done():
			return

		case _, ok := <-e.retries.Notify():
			if !ok {
				return
			}

		case <-timerC:
			e.dispatchRetries(e.retries.PopReady(e.now()), inFlight)

		case <-ticker.C:
			e.sweepStore(inFlight)
		}
	}
}

// sweepStore finds flows with a parked step whose deadline has passed
// according to the durable index
func (e *Engine) sweepStore(inFlight chan struct{}) {
	ids, err := e.store.ListResumeDue(e.ctx, e.now())
	if err != nil {
		e.logger.Error("retry sweep failed", log.Error(err))
		return
	}
	items := make([]*RetryItem, len(ids))
	for i, id := range ids {
		items[i] = &RetryItem{FlowID: id, ResumeAt: e.now()}
	}
	e.dispatchRetries(items, inFlight)
}

// dispatchRetries resumes due flows with bounded concurrency. Items that
// cannot acquire a slot go back on the queue for the next pass
func (e *Engine) dispatchRetries(
	items []*RetryItem, inFlight chan struct{},
) {
	seen := util.Set[api.FlowID]{}
	for _, item := range items {
		if seen.Contains(item.FlowID) {
			continue
		}
		seen.Add(item.FlowID)

		select {
		case inFlight <- struct{}{}:
			e.wg.Add(1)
			go func(id api.FlowID) {
				defer e.wg.Done()
				defer func() { <-inFlight }()
				e.resumeParked(id)
			}(item.FlowID)
		default:
			e.retries.Push(item)
		}
	}
}

// resumeParked re-enters a flow whose retry backoff has elapsed
func (e *Engine) resumeParked(id api.FlowID) {
	st, err := e.store.Get(e.ctx, id)
	if err != nil {
		e.logger.Error("retry load failed",
			log.FlowID(id), log.Error(err))
		return
	}

	now := e.now()
	if !hasDueParked(st, now) {
		return
	}

	switch {
	case st.Status == api.FlowPaused &&
		st.PauseReason == api.PauseRetryBackoff:
		if _, err := e.ResumeFlow(e.ctx, id); err != nil {
			e.logger.Error("retry resume failed",
				log.FlowID(id), log.Error(err))
		}

	case st.Status == api.FlowRunning:
		e.releaseDueSteps(e.ctx, id, now)
	}
}

// releaseDueSteps returns due parked steps to Pending in a flow that kept
// running while a sibling step backed off
func (e *Engine) releaseDueSteps(
	ctx context.Context, id api.FlowID, now time.Time,
) {
	_, err := e.update(ctx, id,
		func(cur *api.FlowState) (*api.FlowState, []*bus.Event, error) {
			next := cur
			for _, s := range cur.Steps {
				if s.Status == api.StepPaused &&
					!s.ResumeAt.After(now) {
					next = next.SetStep(s.Index,
						s.SetStatus(api.StepPending).
							SetResumeAt(timeZero))
				}
			}
			return next, nil, nil
		})
	if err != nil {
		e.logger.Error("retry release failed",
			log.FlowID(id), log.Error(err))
		return
	}
	e.wake(id)
}

func hasDueParked(st *api.FlowState, now time.Time) bool {
	for _, s := range st.Steps {
		if s.Status == api.StepPaused && !s.ResumeAt.After(now) {
			return true
		}
	}
	return false
}
