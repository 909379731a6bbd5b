package imstore

import "time"

// Record is one raw message row as it comes off the store, before ingestion
// into the structured chat-item representation.
type Record struct {
	GUID             string
	ChatIdentifier   string
	Service          string
	Sender           string // empty for own messages
	Subject          string
	Text             string
	Time             time.Time
	TimeDelivered    time.Time // zero when unset
	TimeRead         time.Time
	TimePlayed       time.Time
	Flags            int64
	ThreadIdentifier string
	AssociatedGUID   string
	AssociatedType   int64
	BalloonBundleID  string
	BalloonPayload   []byte
	Attachments      []Attachment
}

// Attachment is one file transfer attached to a message.
type Attachment struct {
	TransferGUID string
	FileName     string
	MIMEType     string
	Path         string
}

// Record classification flag bits.
const (
	FlagFromMe = int64(1) << iota
	FlagDelivered
	FlagTyping
	FlagCancelTyping
	FlagAudio
	FlagSOS
)

// GUIDRef pairs a message guid with the chat it belongs to, as returned by
// the newest-message index query.
type GUIDRef struct {
	MessageGUID    string
	ChatIdentifier string
}

// IndexQuery bounds a newest-message index query. When both a time bound and
// a guid bound are given on the same side, the guid bound wins. Limit is per
// chat, not global; zero means unbounded.
type IndexQuery struct {
	AfterTime  time.Time
	BeforeTime time.Time
	AfterGUID  string
	BeforeGUID string
	Limit      int
}

// ChatRow is one chat as stored, with its participant handles in join order.
type ChatRow struct {
	Identifier   string
	Service      string
	Style        int
	DisplayName  string
	Participants []string
}
