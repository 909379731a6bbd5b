package bridge

import "github.com/gangwayhq/gangway/internal/imcore"

// Reply payloads. Each is command-specific; the engine flattens the fields
// next to kind and id.

// MessagesResponse answers every message-list query.
type MessagesResponse struct {
	Messages []imcore.Message `json:"messages"`
}

// ChatsResponse answers get_chats with service-qualified chat guids, most
// recently active first.
type ChatsResponse struct {
	Chats []string `json:"chats"`
}

// GUIDResponse answers resolve_identifier.
type GUIDResponse struct {
	GUID string `json:"guid"`
}

// SkipSyncResponse answers pre_startup_sync.
type SkipSyncResponse struct {
	SkipSync bool `json:"skip_sync"`
}

// BridgeStatusResponse answers bridge_status: the daemon connection state,
// how long the peer may cache it, and the channel the peer is connected over.
type BridgeStatusResponse struct {
	StateEvent string `json:"state_event"`
	TTL        int64  `json:"ttl"`
	Transport  string `json:"transport"`
}

// Event payloads pushed without correlation.

// ReadReceiptEvent reports messages read on this side.
type ReadReceiptEvent struct {
	ChatGUID string `json:"chat_guid"`
	ReadUpTo string `json:"read_up_to"`
}

// TypingEvent reports local typing state.
type TypingEvent struct {
	ChatGUID string `json:"chat_guid"`
	Typing   bool   `json:"typing"`
}

// Send statuses carried on SendMessageStatusEvent.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// SendMessageStatusEvent reports the asynchronous fate of a send after its
// receipt was already issued.
type SendMessageStatusEvent struct {
	GUID       string `json:"guid"`
	ChatGUID   string `json:"chat_guid"`
	Status     string `json:"status"`
	Service    string `json:"service"`
	Message    string `json:"message,omitempty"`
	StatusCode string `json:"status_code,omitempty"`
}
