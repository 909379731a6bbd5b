package resolve

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gangwayhq/gangway/internal/imcore"
	"github.com/gangwayhq/gangway/internal/imstore"
)

// fakeStore serves canned records and counts how many fetches actually hit
// it. gate, when set, blocks RecordsForGUIDs until released so tests can pile
// up concurrent callers behind one in-flight fetch.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]imstore.Record
	refs    []imstore.GUIDRef

	fetchCalls atomic.Int64
	indexCalls atomic.Int64
	fetched    [][]string

	gate chan struct{}
	err  error
}

func newFakeStore(records ...imstore.Record) *fakeStore {
	s := &fakeStore{records: map[string]imstore.Record{}}
	for _, rec := range records {
		s.records[rec.GUID] = rec
	}
	return s
}

func (s *fakeStore) RecordsForGUIDs(ctx context.Context, guids []string) ([]imstore.Record, error) {
	s.fetchCalls.Add(1)
	s.mu.Lock()
	s.fetched = append(s.fetched, append([]string(nil), guids...))
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []imstore.Record
	for _, guid := range guids {
		if rec, ok := s.records[guid]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeStore) NewestGUIDs(ctx context.Context, chatIdentifiers []string, q imstore.IndexQuery) ([]imstore.GUIDRef, error) {
	s.indexCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []imstore.GUIDRef
	perChat := map[string]int{}
	for _, ref := range s.refs {
		for _, id := range chatIdentifiers {
			if ref.ChatIdentifier != id {
				continue
			}
			if q.Limit > 0 && perChat[id] >= q.Limit {
				continue
			}
			perChat[id]++
			out = append(out, ref)
		}
	}
	return out, nil
}

func (s *fakeStore) Search(ctx context.Context, query string, limit int) ([]string, error) {
	var out []string
	s.mu.Lock()
	defer s.mu.Unlock()
	for guid := range s.records {
		out = append(out, guid)
	}
	return out, nil
}

func rec(guid, chat, text string) imstore.Record {
	return imstore.Record{
		GUID:           guid,
		ChatIdentifier: chat,
		Service:        "iMessage",
		Sender:         "+15555550123",
		Text:           text,
		Time:           time.Unix(1700000000, 0),
	}
}

func TestByGUIDsResolvesAndOmitsMisses(t *testing.T) {
	store := newFakeStore(rec("A", "+15555550123", "hello"), rec("B", "+15555550123", "there"))
	r := New(store, zerolog.Nop(), 0, 0)

	msgs, err := r.ByGUIDs(context.Background(), []string{"A", "MISSING", "B", "A", ""}, imcore.ServiceIMessage)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(msgs), msgs)
	}
	if msgs[0].GUID != "A" || msgs[1].GUID != "B" {
		t.Fatalf("order = %s, %s", msgs[0].GUID, msgs[1].GUID)
	}
	if store.fetchCalls.Load() != 1 {
		t.Fatalf("fetchCalls = %d, want one batched fetch", store.fetchCalls.Load())
	}
}

func TestByGUIDsDedupesConcurrentFetches(t *testing.T) {
	store := newFakeStore(rec("A", "+15555550123", "hello"))
	store.gate = make(chan struct{})
	r := New(store, zerolog.Nop(), 0, 0)

	const callers = 8
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			msgs, err := r.ByGUIDs(context.Background(), []string{"A"}, imcore.ServiceIMessage)
			if err == nil && len(msgs) != 1 {
				err = errors.New("wrong message count")
			}
			results <- err
		}()
	}

	// Wait until the first fetch is in flight, give the rest a moment to
	// attach, then release.
	deadline := time.After(2 * time.Second)
	for store.fetchCalls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("no fetch started")
		case <-time.After(time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond)
	close(store.gate)

	for i := 0; i < callers; i++ {
		if err := <-results; err != nil {
			t.Fatal(err)
		}
	}
	if got := store.fetchCalls.Load(); got != 1 {
		t.Fatalf("fetchCalls = %d; concurrent callers must share one fetch", got)
	}
	if r.InFlight() != 0 {
		t.Fatal("buffer entries not evicted after completion")
	}
}

func TestByGUIDsEvictsAfterCompletion(t *testing.T) {
	store := newFakeStore(rec("A", "+15555550123", "hello"))
	r := New(store, zerolog.Nop(), 0, 0)

	for i := 0; i < 3; i++ {
		if _, err := r.ByGUIDs(context.Background(), []string{"A"}, imcore.ServiceIMessage); err != nil {
			t.Fatal(err)
		}
	}
	// No caching: each sequential resolution hits the store again.
	if got := store.fetchCalls.Load(); got != 3 {
		t.Fatalf("fetchCalls = %d, want 3", got)
	}
}

func TestByGUIDsStoreFailureFailsWholeBatch(t *testing.T) {
	store := newFakeStore(rec("A", "+15555550123", "hello"))
	store.err = errors.New("disk gone")
	r := New(store, zerolog.Nop(), 0, 0)

	_, err := r.ByGUIDs(context.Background(), []string{"A", "B"}, imcore.ServiceIMessage)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if r.InFlight() != 0 {
		t.Fatal("failed fetch left buffer entries behind")
	}
}

func TestByGUIDsFailurePropagatesToAttachedCallers(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	r := New(store, zerolog.Nop(), 0, 0)

	first := make(chan error, 1)
	go func() {
		_, err := r.ByGUIDs(context.Background(), []string{"A"}, imcore.ServiceIMessage)
		first <- err
	}()
	deadline := time.After(2 * time.Second)
	for store.fetchCalls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("no fetch started")
		case <-time.After(time.Millisecond):
		}
	}

	second := make(chan error, 1)
	go func() {
		_, err := r.ByGUIDs(context.Background(), []string{"A"}, imcore.ServiceIMessage)
		second <- err
	}()

	store.mu.Lock()
	store.err = errors.New("disk gone")
	store.mu.Unlock()
	close(store.gate)

	if err := <-first; !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("first err = %v", err)
	}
	if err := <-second; !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("attached caller err = %v, want the shared failure", err)
	}
}

func TestByChatsPerChatLimit(t *testing.T) {
	store := newFakeStore(
		rec("A1", "+15555550123", "a1"), rec("A2", "+15555550123", "a2"), rec("A3", "+15555550123", "a3"),
		rec("B1", "chat12345", "b1"), rec("B2", "chat12345", "b2"),
	)
	store.refs = []imstore.GUIDRef{
		{MessageGUID: "A1", ChatIdentifier: "+15555550123"},
		{MessageGUID: "A2", ChatIdentifier: "+15555550123"},
		{MessageGUID: "A3", ChatIdentifier: "+15555550123"},
		{MessageGUID: "B1", ChatIdentifier: "chat12345"},
		{MessageGUID: "B2", ChatIdentifier: "chat12345"},
	}
	r := New(store, zerolog.Nop(), 0, 0)

	chats := []imcore.ChatTarget{
		{Identifier: "+15555550123", Service: imcore.ServiceIMessage},
		{Identifier: "chat12345", Service: imcore.ServiceIMessage},
	}
	msgs, err := r.ByChats(context.Background(), chats, Query{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	perChat := map[string]int{}
	for _, msg := range msgs {
		perChat[msg.ChatIdentifier()]++
	}
	if perChat["+15555550123"] != 2 || perChat["chat12345"] != 2 {
		t.Fatalf("per-chat counts = %v, want 2 each", perChat)
	}
	// One index round trip plus one batched record fetch.
	if store.indexCalls.Load() != 1 || store.fetchCalls.Load() != 1 {
		t.Fatalf("indexCalls = %d fetchCalls = %d, want 1 and 1",
			store.indexCalls.Load(), store.fetchCalls.Load())
	}
}

func TestByChatsEmptyInputs(t *testing.T) {
	store := newFakeStore()
	r := New(store, zerolog.Nop(), 0, 0)

	msgs, err := r.ByChats(context.Background(), nil, Query{})
	if err != nil || msgs != nil {
		t.Fatalf("msgs = %v err = %v", msgs, err)
	}
	if store.indexCalls.Load() != 0 {
		t.Fatal("empty chat set must not touch the store")
	}

	msgs, err = r.ByChats(context.Background(), []imcore.ChatTarget{{Identifier: "+15555550123", Service: imcore.ServiceIMessage}}, Query{})
	if err != nil || len(msgs) != 0 {
		t.Fatalf("msgs = %v err = %v, want empty success for a chat with no rows", msgs, err)
	}
}

func TestSearchResolvesMatches(t *testing.T) {
	store := newFakeStore(rec("A", "+15555550123", "pizza tonight?"))
	r := New(store, zerolog.Nop(), 0, 0)

	msgs, err := r.Search(context.Background(), "pizza", 10, imcore.ServiceIMessage)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].GUID != "A" {
		t.Fatalf("msgs = %+v", msgs)
	}
}
