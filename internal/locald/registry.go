// Package locald adapts the record store into the live-daemon collaborator
// interfaces, for running without a native messaging daemon attached: chat
// and handle lookups read the store, sends append to it and emit the
// matching protocol events.
package locald

import (
	"context"
	"fmt"
	"time"

	"github.com/gangwayhq/gangway/internal/imcore"
	"github.com/gangwayhq/gangway/internal/imstore"
)

// Registry resolves chats and handles against the record store.
type Registry struct {
	store *imstore.Store
}

// NewRegistry wraps a store.
func NewRegistry(store *imstore.Store) *Registry {
	return &Registry{store: store}
}

// Chat looks a chat up by (identifier, service, style).
func (r *Registry) Chat(ctx context.Context, identifier string, service imcore.Service, style imcore.ChatStyle) (*imcore.Chat, error) {
	row, err := r.store.Chat(ctx, identifier, string(service))
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s on %s", imcore.ErrChatNotFound, identifier, service)
	}
	chat := imcore.NewChat(row.Identifier, imcore.Service(row.Service), imcore.ChatStyle(row.Style), row.DisplayName, row.Participants)
	return &chat, nil
}

// Siblings returns the chat identity across every service it exists on,
// the requested service first.
func (r *Registry) Siblings(ctx context.Context, identifier string, service imcore.Service) ([]imcore.ChatTarget, error) {
	ordered := append([]imcore.Service{service}, imcore.Services...)
	seen := map[imcore.Service]struct{}{}
	var targets []imcore.ChatTarget
	for _, svc := range ordered {
		if _, ok := seen[svc]; ok {
			continue
		}
		seen[svc] = struct{}{}
		row, err := r.store.Chat(ctx, identifier, string(svc))
		if err != nil {
			return nil, err
		}
		if row != nil {
			targets = append(targets, imcore.ChatTarget{Identifier: identifier, Service: svc})
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %s", imcore.ErrChatNotFound, identifier)
	}
	return targets, nil
}

// BestChatForHandle resolves a bare handle to the chat on the most capable
// service that can reach it, creating a direct chat when none exists yet.
func (r *Registry) BestChatForHandle(ctx context.Context, handle string) (*imcore.Chat, error) {
	for _, svc := range imcore.Services {
		row, err := r.store.Chat(ctx, handle, string(svc))
		if err != nil {
			return nil, err
		}
		if row != nil {
			chat := imcore.NewChat(row.Identifier, svc, imcore.ChatStyle(row.Style), row.DisplayName, row.Participants)
			return &chat, nil
		}
	}

	row := imstore.ChatRow{
		Identifier:   handle,
		Service:      string(imcore.ServiceIMessage),
		Style:        int(imcore.StyleDirect),
		Participants: []string{handle},
	}
	if err := r.store.UpsertChat(ctx, row); err != nil {
		return nil, err
	}
	chat := imcore.NewChat(handle, imcore.ServiceIMessage, imcore.StyleDirect, "", []string{handle})
	return &chat, nil
}

// LastMessageTime reports the newest message time for a chat identity.
func (r *Registry) LastMessageTime(ctx context.Context, identifier string) (time.Time, error) {
	return r.store.LastMessageTime(ctx, identifier)
}

var _ imcore.Registry = (*Registry)(nil)
