package imcore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gangwayhq/gangway/internal/imstore"
)

// Message is the structured representation of one message record, produced
// once during ingestion and immutable afterwards. The store stays the system
// of record; this is never persisted.
type Message struct {
	GUID     string  `json:"guid"`
	ChatGUID string  `json:"chat_guid"`
	Service  Service `json:"service"`
	Sender   string  `json:"sender,omitempty"`
	FromMe   bool    `json:"is_from_me"`

	Subject string `json:"subject,omitempty"`

	Time          float64 `json:"timestamp"`
	TimeDelivered float64 `json:"time_delivered"`
	TimeRead      float64 `json:"time_read"`
	TimePlayed    float64 `json:"time_played"`

	IsDelivered     bool `json:"is_delivered"`
	IsTyping        bool `json:"is_typing,omitempty"`
	IsCancelTyping  bool `json:"is_cancel_typing,omitempty"`
	IsSOS           bool `json:"is_sos,omitempty"`
	IsAudioMessage  bool `json:"is_audio_message,omitempty"`

	ThreadOriginatorGUID string `json:"thread_originator_guid,omitempty"`
	ThreadOriginatorPart int    `json:"thread_originator_part,omitempty"`

	AssociatedGUID string `json:"associated_message_guid,omitempty"`
	AssociatedType int64  `json:"associated_message_type,omitempty"`

	FileTransferIDs []string   `json:"file_transfer_ids,omitempty"`
	Items           []ChatItem `json:"items"`
}

// ChatIdentifier returns the bare chat identifier backing ChatGUID.
func (m *Message) ChatIdentifier() string {
	_, _, id, err := ParseChatGUID(m.ChatGUID)
	if err != nil {
		return m.ChatGUID
	}
	return id
}

// Ingest converts one raw store record into a Message, deriving thread
// linkage, receipts, classification flags, and the ordered sub-item sequence.
// The chat identifier hint wins over the record's own when non-empty; the
// service hint fills in when the record carries none.
func Ingest(rec imstore.Record, chatIdentifier string, service Service) Message {
	if chatIdentifier == "" {
		chatIdentifier = rec.ChatIdentifier
	}
	svc := Service(rec.Service)
	if svc == "" {
		svc = service
	}

	// Group chat identifiers use the daemon's opaque "chat..." form; direct
	// chats are addressed by the peer handle.
	style := StyleDirect
	if strings.HasPrefix(chatIdentifier, "chat") {
		style = StyleGroup
	}

	msg := Message{
		GUID:           rec.GUID,
		ChatGUID:       ChatGUID(svc, style, chatIdentifier),
		Service:        svc,
		Sender:         rec.Sender,
		FromMe:         rec.Flags&imstore.FlagFromMe != 0,
		Subject:        rec.Subject,
		Time:           unixSeconds(rec.Time),
		TimeDelivered:  unixSeconds(rec.TimeDelivered),
		TimeRead:       unixSeconds(rec.TimeRead),
		TimePlayed:     unixSeconds(rec.TimePlayed),
		IsDelivered:    rec.Flags&imstore.FlagDelivered != 0,
		IsTyping:       rec.Flags&imstore.FlagTyping != 0,
		IsCancelTyping: rec.Flags&imstore.FlagCancelTyping != 0,
		IsSOS:          rec.Flags&imstore.FlagSOS != 0,
		IsAudioMessage: rec.Flags&imstore.FlagAudio != 0,
		AssociatedGUID: rec.AssociatedGUID,
		AssociatedType: rec.AssociatedType,
	}

	if originator, part, ok := ParseThreadIdentifier(rec.ThreadIdentifier); ok {
		msg.ThreadOriginatorGUID = originator
		msg.ThreadOriginatorPart = part
	}

	msg.Items = ingestItems(rec)
	for _, att := range rec.Attachments {
		msg.FileTransferIDs = append(msg.FileTransferIDs, att.TransferGUID)
	}
	return msg
}

// IngestAll converts a batch of records belonging to one chat.
func IngestAll(recs []imstore.Record, chatIdentifier string, service Service) []Message {
	msgs := make([]Message, 0, len(recs))
	for _, rec := range recs {
		msgs = append(msgs, Ingest(rec, chatIdentifier, service))
	}
	return msgs
}

func ingestItems(rec imstore.Record) []ChatItem {
	var items []ChatItem
	if rec.Text != "" {
		items = append(items, ChatItem{
			ID:      rec.GUID + "/0",
			Type:    ItemTypeText,
			Text:    rec.Text,
			Subject: rec.Subject,
		})
	}
	for _, att := range rec.Attachments {
		items = append(items, ChatItem{
			ID:           rec.GUID + "/" + strconv.Itoa(len(items)),
			Type:         ItemTypeAttachment,
			TransferGUID: att.TransferGUID,
			FileName:     att.FileName,
			MIMEType:     att.MIMEType,
			Path:         att.Path,
		})
	}
	if rec.BalloonBundleID != "" {
		items = append(items, ChatItem{
			ID:       rec.GUID + "/" + strconv.Itoa(len(items)),
			Type:     ItemTypePlugin,
			BundleID: rec.BalloonBundleID,
			Payload:  rec.BalloonPayload,
		})
	}
	return items
}

// ParseThreadIdentifier extracts the thread originator guid and part index
// from a raw thread identifier. Two forms exist: the modern "r:<part>:<guid>"
// form and the legacy comma form "<prefix>,<part>,...,<guid>".
func ParseThreadIdentifier(identifier string) (string, int, bool) {
	if identifier == "" {
		return "", 0, false
	}
	if strings.HasPrefix(identifier, "r:") {
		parts := strings.SplitN(identifier, ":", 3)
		if len(parts) != 3 || parts[2] == "" {
			return "", 0, false
		}
		part, err := strconv.Atoi(parts[1])
		if err != nil {
			return "", 0, false
		}
		return parts[2], part, true
	}
	parts := strings.Split(identifier, ",")
	if len(parts) <= 2 {
		return "", 0, false
	}
	part, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, false
	}
	return parts[len(parts)-1], part, true
}

// BuildThreadIdentifier is the inverse of ParseThreadIdentifier, in the
// modern form.
func BuildThreadIdentifier(originatorGUID string, part int) string {
	return fmt.Sprintf("r:%d:%s", part, originatorGUID)
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}
