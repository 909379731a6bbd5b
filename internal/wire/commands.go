package wire

// Inbound command payloads. Field names follow the bridge protocol: snake_case
// keys flat at the top level of the frame.

// GetChatsRequest asks for the guids of every chat with activity at or after
// min_timestamp (unix seconds).
type GetChatsRequest struct {
	MinTimestamp float64 `json:"min_timestamp"`
}

// GetChatRequest asks for the info of a single chat.
type GetChatRequest struct {
	ChatGUID string `json:"chat_guid"`
}

// GetRecentMessagesRequest asks for the newest messages in a chat.
type GetRecentMessagesRequest struct {
	ChatGUID   string `json:"chat_guid"`
	Limit      int    `json:"limit,omitempty"`
	BackfillID string `json:"backfill_id,omitempty"`
}

// GetMessagesAfterRequest asks for messages in a chat newer than a timestamp
// (unix seconds).
type GetMessagesAfterRequest struct {
	ChatGUID  string  `json:"chat_guid"`
	Timestamp float64 `json:"timestamp"`
	Limit     int     `json:"limit,omitempty"`
}

// SendMessageRequest sends a text message, optionally as a threaded reply.
type SendMessageRequest struct {
	ChatGUID    string `json:"chat_guid"`
	Text        string `json:"text"`
	ReplyTo     string `json:"reply_to,omitempty"`
	ReplyToPart int    `json:"reply_to_part,omitempty"`
}

// SendMediaRequest sends a file already staged on local disk.
type SendMediaRequest struct {
	ChatGUID       string `json:"chat_guid"`
	PathOnDisk     string `json:"path_on_disk"`
	FileName       string `json:"file_name"`
	MIMEType       string `json:"mime_type,omitempty"`
	IsAudioMessage bool   `json:"is_audio_message,omitempty"`
}

// SendTapbackRequest reacts to a part of an existing message.
type SendTapbackRequest struct {
	ChatGUID   string `json:"chat_guid"`
	TargetGUID string `json:"target_guid"`
	TargetPart int    `json:"target_part"`
	Type       int    `json:"type"`
}

// SendReadReceiptRequest marks everything up to a message as read.
type SendReadReceiptRequest struct {
	ChatGUID string `json:"chat_guid"`
	ReadUpTo string `json:"read_up_to"`
}

// SetTypingRequest forwards the remote user's typing state. May arrive
// without an id, in which case no reply is produced.
type SetTypingRequest struct {
	ChatGUID string `json:"chat_guid"`
	Typing   bool   `json:"typing"`
}

// ResolveIdentifierRequest resolves a bare phone number or address to a
// service-qualified chat guid.
type ResolveIdentifierRequest struct {
	Identifier string `json:"identifier"`
}

// PrepareDMRequest warms up a direct-message chat before the first send.
type PrepareDMRequest struct {
	GUID string `json:"guid"`
}

// MessageSearchRequest full-text searches message history.
type MessageSearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// PingRequest is a liveness probe.
type PingRequest struct{}

// PreStartupSyncRequest asks whether the bridge should skip its initial
// backfill sync.
type PreStartupSyncRequest struct{}

// BridgeStatusRequest asks for the daemon connection state.
type BridgeStatusRequest struct{}

// ErrorPayload is the reply payload for a failed request: a stable
// machine-readable code plus human-readable detail.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorPayload) Error() string {
	return e.Code + ": " + e.Message
}

// LogPayload mirrors an engine log line to the peer. Never correlated.
type LogPayload struct {
	Level   string `json:"level"`
	Module  string `json:"module"`
	Message string `json:"message"`
}
