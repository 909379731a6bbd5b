package resolve

import (
	"context"
	"sync"

	"github.com/gangwayhq/gangway/internal/imcore"
)

// future is one shared in-flight resolution. Concurrent callers attach and
// wait on done; byGUID is written exactly once before done closes.
type future struct {
	done   chan struct{}
	byGUID map[string]imcore.Message
	err    error
}

func (f *future) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FetchBuffer deduplicates concurrent in-flight store fetches keyed by
// message guid. While a guid's fetch is outstanding, any new request for it
// attaches to the existing shared future instead of issuing a duplicate
// query. Entries are evicted as soon as the fetch resolves; the buffer never
// acts as a cache of completed work.
type FetchBuffer struct {
	mu       sync.Mutex
	inflight map[string]*future
}

// NewFetchBuffer returns an empty buffer.
func NewFetchBuffer() *FetchBuffer {
	return &FetchBuffer{inflight: make(map[string]*future)}
}

// Claim partitions guids against the in-flight set in one atomic step:
// guids with an outstanding future come back in attached; the rest are
// claimed under a fresh shared future and returned through a Completion the
// caller must resolve. Completion is nil when nothing remains to fetch.
func (b *FetchBuffer) Claim(guids []string) (map[string]*future, *Completion) {
	b.mu.Lock()
	defer b.mu.Unlock()

	attached := make(map[string]*future)
	var remaining []string
	for _, guid := range guids {
		if fut, ok := b.inflight[guid]; ok {
			attached[guid] = fut
			continue
		}
		remaining = append(remaining, guid)
	}
	if len(remaining) == 0 {
		return attached, nil
	}

	fut := &future{done: make(chan struct{})}
	for _, guid := range remaining {
		b.inflight[guid] = fut
	}
	return attached, &Completion{buf: b, fut: fut, guids: remaining}
}

// Len reports the number of guids with an outstanding fetch.
func (b *FetchBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// Completion resolves one claimed fetch. Exactly one of Complete or Fail must
// be called; both release the claimed buffer entries.
type Completion struct {
	buf   *FetchBuffer
	fut   *future
	guids []string
}

// GUIDs returns the guids claimed by this completion.
func (c *Completion) GUIDs() []string {
	return c.guids
}

// Complete publishes the resolved messages to every attached waiter and
// evicts the claimed entries. Claimed guids with no message simply resolve
// to nothing.
func (c *Completion) Complete(msgs []imcore.Message) {
	byGUID := make(map[string]imcore.Message, len(msgs))
	for _, msg := range msgs {
		byGUID[msg.GUID] = msg
	}
	c.fut.byGUID = byGUID
	c.release()
}

// Fail propagates a store failure to every attached waiter.
func (c *Completion) Fail(err error) {
	c.fut.err = err
	c.release()
}

func (c *Completion) release() {
	c.buf.mu.Lock()
	for _, guid := range c.guids {
		if c.buf.inflight[guid] == c.fut {
			delete(c.buf.inflight, guid)
		}
	}
	c.buf.mu.Unlock()
	close(c.fut.done)
}
