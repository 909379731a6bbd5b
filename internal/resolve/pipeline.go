// Package resolve is the concurrent record-resolution pipeline: it satisfies
// overlapping lookups against the slow backing store without duplicating
// work, merges results keyed by guid and chat, and hands raw records to the
// domain converter.
package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gangwayhq/gangway/internal/imcore"
	"github.com/gangwayhq/gangway/internal/imstore"
)

// ErrStoreUnavailable marks a whole-batch failure: the backing store was
// unreachable or returned a structural error. Partial success is not
// supported at this layer; callers retry at coarser granularity.
var ErrStoreUnavailable = errors.New("record store unavailable")

// Store is the read surface of the backing record store. All calls are
// blocking from this subsystem's point of view.
type Store interface {
	RecordsForGUIDs(ctx context.Context, guids []string) ([]imstore.Record, error)
	NewestGUIDs(ctx context.Context, chatIdentifiers []string, q imstore.IndexQuery) ([]imstore.GUIDRef, error)
	Search(ctx context.Context, query string, limit int) ([]string, error)
}

// Resolver resolves message guids and chat ranges into structured messages.
// Store queries are rate limited as the backpressure policy under overload.
type Resolver struct {
	store   Store
	buf     *FetchBuffer
	limiter *rate.Limiter
	log     zerolog.Logger
}

// New builds a resolver. qps bounds backing-store queries per second; zero
// disables the limit.
func New(store Store, log zerolog.Logger, qps float64, burst int) *Resolver {
	limit := rate.Inf
	if qps > 0 {
		limit = rate.Limit(qps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Resolver{
		store:   store,
		buf:     NewFetchBuffer(),
		limiter: rate.NewLimiter(limit, burst),
		log:     log.With().Str("component", "resolve").Logger(),
	}
}

// InFlight reports the number of guids with an outstanding store fetch.
func (r *Resolver) InFlight() int {
	return r.buf.Len()
}

// ByGUIDs resolves a flat set of message guids, regardless of chat. Each
// distinct guid triggers at most one backing-store fetch no matter how many
// callers request it concurrently. Guids that fail to resolve are silently
// omitted; a store failure fails the whole batch.
func (r *Resolver) ByGUIDs(ctx context.Context, guids []string, service imcore.Service) ([]imcore.Message, error) {
	guids = dedupe(guids)
	if len(guids) == 0 {
		return nil, nil
	}

	attached, completion := r.buf.Claim(guids)

	own := map[string]imcore.Message{}
	if completion != nil {
		remaining := completion.GUIDs()
		r.log.Debug().Int("buffered", len(attached)).Int("remaining", len(remaining)).Msg("resolving guids")

		recs, err := r.fetchRecords(ctx, remaining)
		if err != nil {
			completion.Fail(err)
			return nil, err
		}
		msgs := make([]imcore.Message, 0, len(recs))
		for _, rec := range recs {
			msgs = append(msgs, imcore.Ingest(rec, "", service))
		}
		completion.Complete(msgs)
		for _, msg := range msgs {
			own[msg.GUID] = msg
		}
	}

	return gather(ctx, guids, own, attached)
}

// Query bounds a per-chat range resolution. Limit applies per chat, not
// globally; a guid bound takes precedence over a time bound on the same side.
type Query = imstore.IndexQuery

// ByChats resolves the most relevant messages per chat honoring the query
// bounds. One index round trip finds the newest guids across every chat, and
// one batched record fetch services all chats at once, partitioned per chat
// before ingestion.
func (r *Resolver) ByChats(ctx context.Context, chats []imcore.ChatTarget, q Query) ([]imcore.Message, error) {
	if len(chats) == 0 {
		return nil, nil
	}

	serviceFor := make(map[string]imcore.Service, len(chats))
	ids := make([]string, 0, len(chats))
	for _, chat := range chats {
		if _, ok := serviceFor[chat.Identifier]; ok {
			continue
		}
		serviceFor[chat.Identifier] = chat.Service
		ids = append(ids, chat.Identifier)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	refs, err := r.store.NewestGUIDs(ctx, ids, q)
	if err != nil {
		if errors.Is(err, imstore.ErrMessageNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(refs) == 0 {
		return nil, nil
	}
	r.log.Debug().Int("chats", len(ids)).Int("guids", len(refs)).Msg("resolved newest guids")

	// Group per chat, then claim across the whole graph so one batched
	// record fetch services every chat.
	order := make([]string, 0, len(refs))
	chatOf := make(map[string]string, len(refs))
	for _, ref := range refs {
		order = append(order, ref.MessageGUID)
		chatOf[ref.MessageGUID] = ref.ChatIdentifier
	}

	attached, completion := r.buf.Claim(dedupe(order))

	own := map[string]imcore.Message{}
	if completion != nil {
		recs, err := r.fetchRecords(ctx, completion.GUIDs())
		if err != nil {
			completion.Fail(err)
			return nil, err
		}
		recByGUID := make(map[string]imstore.Record, len(recs))
		for _, rec := range recs {
			recByGUID[rec.GUID] = rec
		}
		msgs := make([]imcore.Message, 0, len(recs))
		for _, guid := range completion.GUIDs() {
			rec, ok := recByGUID[guid]
			if !ok {
				continue
			}
			chatID := chatOf[guid]
			msgs = append(msgs, imcore.Ingest(rec, chatID, serviceFor[chatID]))
		}
		completion.Complete(msgs)
		for _, msg := range msgs {
			own[msg.GUID] = msg
		}
	}

	return gather(ctx, order, own, attached)
}

// Search resolves messages matching a full-text query, newest first.
func (r *Resolver) Search(ctx context.Context, query string, limit int, service imcore.Service) ([]imcore.Message, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	guids, err := r.store.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return r.ByGUIDs(ctx, guids, service)
}

func (r *Resolver) fetchRecords(ctx context.Context, guids []string) ([]imstore.Record, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	recs, err := r.store.RecordsForGUIDs(ctx, guids)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return recs, nil
}

// gather unions locally fetched messages with buffered futures, one entry per
// requested guid that resolved.
func gather(ctx context.Context, guids []string, own map[string]imcore.Message, attached map[string]*future) ([]imcore.Message, error) {
	waited := map[*future]struct{}{}
	for _, fut := range attached {
		if _, ok := waited[fut]; ok {
			continue
		}
		waited[fut] = struct{}{}
		if err := fut.wait(ctx); err != nil {
			return nil, err
		}
	}

	out := make([]imcore.Message, 0, len(guids))
	for _, guid := range guids {
		if msg, ok := own[guid]; ok {
			out = append(out, msg)
			continue
		}
		if fut, ok := attached[guid]; ok {
			if msg, ok := fut.byGUID[guid]; ok {
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

func dedupe(guids []string) []string {
	seen := make(map[string]struct{}, len(guids))
	out := guids[:0:0]
	for _, guid := range guids {
		if guid == "" {
			continue
		}
		if _, ok := seen[guid]; ok {
			continue
		}
		seen[guid] = struct{}{}
		out = append(out, guid)
	}
	return out
}
