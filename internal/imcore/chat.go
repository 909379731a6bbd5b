package imcore

import (
	"context"
	"errors"
	"time"
)

// ErrChatNotFound is returned when a chat guid cannot be resolved against
// the live registry.
var ErrChatNotFound = errors.New("chat not found")

// Chat is the on-demand representation of one live chat: identity,
// participants (ordered, de-duplicated), and a denormalized last-message
// summary. Never cached by this subsystem.
type Chat struct {
	GUID            string    `json:"chat_guid"`
	Identifier      string    `json:"identifier"`
	Service         Service   `json:"service"`
	Style           ChatStyle `json:"style"`
	DisplayName     string    `json:"display_name,omitempty"`
	Participants    []string  `json:"participants"`
	LastMessage     string    `json:"last_message,omitempty"`
	LastMessageTime float64   `json:"last_message_time"`
}

// NewChat builds a chat representation, de-duplicating participants while
// preserving order.
func NewChat(identifier string, service Service, style ChatStyle, displayName string, participants []string) Chat {
	seen := make(map[string]struct{}, len(participants))
	deduped := make([]string, 0, len(participants))
	for _, p := range participants {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		deduped = append(deduped, p)
	}
	return Chat{
		GUID:         ChatGUID(service, style, identifier),
		Identifier:   identifier,
		Service:      service,
		Style:        style,
		DisplayName:  displayName,
		Participants: deduped,
	}
}

// Registry is the live messaging daemon's chat and handle registry. Used by
// command handlers, never by the resolution pipeline.
type Registry interface {
	// Chat looks a chat up by (identifier, service, style).
	Chat(ctx context.Context, identifier string, service Service, style ChatStyle) (*Chat, error)

	// Siblings returns the same chat identity across every service it
	// exists on, the requested service first.
	Siblings(ctx context.Context, identifier string, service Service) ([]ChatTarget, error)

	// BestChatForHandle resolves a bare handle (phone number, address) to
	// the chat on the most capable service that can reach it.
	BestChatForHandle(ctx context.Context, handle string) (*Chat, error)

	// LastMessageTime reports the newest message time across a chat's
	// siblings; zero when the chat has no history.
	LastMessageTime(ctx context.Context, identifier string) (time.Time, error)
}

// Daemon is the write side of the live messaging daemon: sending, receipts,
// and typing forwarding. Thin per-command logic only; no protocol framing or
// resolution participates here.
type Daemon interface {
	// SendText sends a text message, optionally threaded, returning the
	// partial receipt for the created message.
	SendText(ctx context.Context, chat *Chat, text string, replyTo string, replyToPart int) (Receipt, error)

	// SendMedia sends a staged file.
	SendMedia(ctx context.Context, chat *Chat, transfer Transfer, isAudio bool) (Receipt, error)

	// SendTapback reacts to a message part.
	SendTapback(ctx context.Context, chat *Chat, targetGUID string, targetPart int, tapbackType int) (Receipt, error)

	// MarkRead sends read receipts for everything up to a message.
	MarkRead(ctx context.Context, chat *Chat, upToGUID string) error

	// SetTyping forwards the remote typing state into the chat.
	SetTyping(ctx context.Context, chat *Chat, typing bool) error

	// PrepareDM warms a direct chat before the first send.
	PrepareDM(ctx context.Context, guid string) error
}

// Receipt is the partial-message acknowledgement for a send: enough for the
// peer to correlate the full message event that follows.
type Receipt struct {
	GUID      string  `json:"guid"`
	Service   Service `json:"service"`
	Timestamp float64 `json:"timestamp"`
}

// Transfer describes one staged outbound file.
type Transfer struct {
	FileName string
	MIMEType string
	Path     string
}
