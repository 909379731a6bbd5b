package wire

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Command kinds understood on the inbound side of the channel.
const (
	KindGetChats          = "get_chats"
	KindGetChat           = "get_chat"
	KindGetRecentMessages = "get_recent_messages"
	KindGetMessagesAfter  = "get_messages_after"
	KindSendMessage       = "send_message"
	KindSendMedia         = "send_media"
	KindSendTapback       = "send_tapback"
	KindSendReadReceipt   = "send_read_receipt"
	KindSetTyping         = "set_typing"
	KindResolveIdentifier = "resolve_identifier"
	KindPrepareDM         = "prepare_dm"
	KindMessageSearch     = "message_search"
	KindPing              = "ping"
	KindPreStartupSync    = "pre_startup_sync"
	KindBridgeStatus      = "bridge_status"
)

// Kinds produced on the outbound side. Response and Error close a correlated
// request; the rest are unsolicited events.
const (
	KindResponse          = "response"
	KindError             = "error"
	KindLog               = "log"
	KindMessage           = "message"
	KindReadReceipt       = "read_receipt"
	KindTyping            = "typing"
	KindChat              = "chat"
	KindSendMessageStatus = "send_message_status"
)

// Envelope is one framed protocol message. Kind discriminates the payload,
// ID correlates a request with its eventual reply. Events carry no ID.
type Envelope struct {
	Kind string
	ID   *int64

	// Raw is the complete frame as it arrived, retained so the payload can
	// be decoded once the kind-specific shape is known.
	Raw json.RawMessage
}

// HasID reports whether the envelope carries a correlation id.
func (e *Envelope) HasID() bool {
	return e.ID != nil
}

type envelopeHead struct {
	Kind string `json:"kind"`
	ID   *int64 `json:"id,omitempty"`
}

// Parse reads the discriminator and correlation id out of a frame. The
// payload itself is decoded later by DecodePayload. A frame that is not a
// JSON object is undecodable: no id can be recovered, so no reply can ever
// be correlated to it.
func Parse(frame []byte) (*Envelope, error) {
	var head envelopeHead
	if err := json.Unmarshal(frame, &head); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	env := &Envelope{Kind: head.Kind, ID: head.ID, Raw: append(json.RawMessage(nil), frame...)}
	if head.Kind == KindLog {
		// Log frames are exempt from correlation in either direction.
		env.ID = nil
	}
	return env, nil
}

// payloads maps each inbound kind to a factory for its payload type. The set
// is closed: decoding selects the variant by the kind field, never by
// trial-and-error.
var payloads = map[string]func() any{
	KindGetChats:          func() any { return new(GetChatsRequest) },
	KindGetChat:           func() any { return new(GetChatRequest) },
	KindGetRecentMessages: func() any { return new(GetRecentMessagesRequest) },
	KindGetMessagesAfter:  func() any { return new(GetMessagesAfterRequest) },
	KindSendMessage:       func() any { return new(SendMessageRequest) },
	KindSendMedia:         func() any { return new(SendMediaRequest) },
	KindSendTapback:       func() any { return new(SendTapbackRequest) },
	KindSendReadReceipt:   func() any { return new(SendReadReceiptRequest) },
	KindSetTyping:         func() any { return new(SetTypingRequest) },
	KindResolveIdentifier: func() any { return new(ResolveIdentifierRequest) },
	KindPrepareDM:         func() any { return new(PrepareDMRequest) },
	KindMessageSearch:     func() any { return new(MessageSearchRequest) },
	KindPing:              func() any { return new(PingRequest) },
	KindPreStartupSync:    func() any { return new(PreStartupSyncRequest) },
	KindBridgeStatus:      func() any { return new(BridgeStatusRequest) },
}

// Kinds returns the sorted set of inbound command kinds.
func Kinds() []string {
	kinds := make([]string, 0, len(payloads))
	for k := range payloads {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ErrUnknownKind is returned by DecodePayload for kinds outside the closed
// command set.
type ErrUnknownKind struct {
	Kind string
}

func (e *ErrUnknownKind) Error() string {
	return fmt.Sprintf("unknown command kind %q", e.Kind)
}

// DecodePayload decodes the kind-specific fields of an inbound envelope.
// The command fields sit flat at the top level of the frame, next to kind
// and id.
func DecodePayload(env *Envelope) (any, error) {
	factory, ok := payloads[env.Kind]
	if !ok {
		return nil, &ErrUnknownKind{Kind: env.Kind}
	}
	payload := factory()
	if err := json.Unmarshal(env.Raw, payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return payload, nil
}

// Encode serializes an outbound envelope. The payload's fields are flattened
// to the top level next to kind and id. Log envelopes never carry an id even
// if one is supplied.
func Encode(kind string, id *int64, payload any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		blob, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		// Payloads are structs; anything else is a programming error.
		if err := json.Unmarshal(blob, &fields); err != nil {
			return nil, fmt.Errorf("encode %s payload: not an object: %w", kind, err)
		}
	}
	kindBlob, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}
	fields["kind"] = kindBlob
	if id != nil && kind != KindLog {
		idBlob, err := json.Marshal(*id)
		if err != nil {
			return nil, err
		}
		fields["id"] = idBlob
	}
	return json.Marshal(fields)
}
