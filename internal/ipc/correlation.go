package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gangwayhq/gangway/internal/wire"
)

// Result is the terminal state of one correlated request: either a success
// payload or a structured error.
type Result struct {
	Payload json.RawMessage
	Err     *wire.ErrorPayload
}

// ErrDuplicateID is returned when a correlation id is registered while still
// outstanding.
var ErrDuplicateID = fmt.Errorf("correlation id already outstanding")

type pendingRequest struct {
	ch    chan Result
	timer *time.Timer
}

// Correlator is the process-wide table of outstanding requests keyed by
// correlation id. At most one pending request exists per id; ids are not
// reused while outstanding. Each entry carries a deadline so abandoned ids
// cannot grow the table without bound.
type Correlator struct {
	mu      sync.Mutex
	next    int64
	pending map[int64]*pendingRequest
}

// NewCorrelator returns an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[int64]*pendingRequest)}
}

// NextID assigns an id for an engine-initiated request. Events pushed
// without a prior inbound request use no id at all.
func (c *Correlator) NextID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		c.next++
		if _, taken := c.pending[c.next]; !taken {
			return c.next
		}
	}
}

// Register creates the single-fulfillment completion handle for an id. The
// entry fails with a timeout result if not fulfilled within ttl.
func (c *Correlator) Register(id int64, ttl time.Duration) (<-chan Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, taken := c.pending[id]; taken {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	req := &pendingRequest{ch: make(chan Result, 1)}
	c.pending[id] = req
	if ttl > 0 {
		req.timer = time.AfterFunc(ttl, func() {
			c.Fulfill(id, Result{Err: &wire.ErrorPayload{
				Code:    "timeout",
				Message: fmt.Sprintf("request %d timed out after %s", id, ttl),
			}})
		})
	}
	return req.ch, nil
}

// Fulfill completes an outstanding id, releasing its entry. Returns false
// when the id is unknown or already completed.
func (c *Correlator) Fulfill(id int64, res Result) bool {
	c.mu.Lock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	req.ch <- res
	return true
}

// Outstanding reports the number of pending requests.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Await blocks until the id's result arrives or the context ends. The entry
// stays registered on context cancellation; its deadline will reap it.
func Await(ctx context.Context, ch <-chan Result) (Result, error) {
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
