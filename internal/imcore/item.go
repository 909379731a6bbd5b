package imcore

// Item types carried in a message's ordered sub-item sequence.
const (
	ItemTypeText       = "text"
	ItemTypeAttachment = "attachment"
	ItemTypePlugin     = "plugin"
)

// ChatItem is one sub-item of a message: a text run, an attachment, or a
// plugin (app-extension) balloon.
type ChatItem struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	// Text item.
	Text    string `json:"text,omitempty"`
	Subject string `json:"subject,omitempty"`

	// Attachment item.
	TransferGUID string `json:"transfer_guid,omitempty"`
	FileName     string `json:"file_name,omitempty"`
	MIMEType     string `json:"mime_type,omitempty"`
	Path         string `json:"path,omitempty"`

	// Plugin item. Payload is the opaque balloon blob, base64 on the wire.
	BundleID string `json:"bundle_id,omitempty"`
	Payload  []byte `json:"payload,omitempty"`
}
