package locald

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/gangwayhq/gangway/internal/bridge"
	"github.com/gangwayhq/gangway/internal/imcore"
	"github.com/gangwayhq/gangway/internal/imstore"
)

// Daemon is the store-backed write side: sends append message records and
// emit the matching events the bridge expects from a live daemon.
type Daemon struct {
	store  *imstore.Store
	events *bridge.Events
	log    zerolog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewDaemon wraps a store and an event sink.
func NewDaemon(store *imstore.Store, events *bridge.Events, log zerolog.Logger) *Daemon {
	return &Daemon{
		store:  store,
		events: events,
		log:    log.With().Str("component", "locald").Logger(),
		now:    time.Now,
	}
}

// SendText appends a text message record and returns its partial receipt.
func (d *Daemon) SendText(ctx context.Context, chat *imcore.Chat, text, replyTo string, replyToPart int) (imcore.Receipt, error) {
	rec := d.newRecord(chat)
	rec.Text = text
	if replyTo != "" {
		rec.ThreadIdentifier = imcore.BuildThreadIdentifier(replyTo, replyToPart)
	}
	return d.commit(ctx, chat, rec)
}

// SendMedia appends an attachment message record. The transfer guid is
// assigned here, the way the live daemon assigns one per staged file.
func (d *Daemon) SendMedia(ctx context.Context, chat *imcore.Chat, transfer imcore.Transfer, isAudio bool) (imcore.Receipt, error) {
	rec := d.newRecord(chat)
	if isAudio {
		rec.Flags |= imstore.FlagAudio
	}
	rec.Attachments = []imstore.Attachment{{
		TransferGUID: ulid.Make().String(),
		FileName:     transfer.FileName,
		MIMEType:     transfer.MIMEType,
		Path:         transfer.Path,
	}}

	if _, err := os.Stat(transfer.Path); err != nil {
		status := bridge.SendMessageStatusEvent{
			GUID:       rec.GUID,
			ChatGUID:   chat.GUID,
			Status:     bridge.StatusFailed,
			Service:    string(chat.Service),
			Message:    "staged file is unreadable",
			StatusCode: "attachment_missing",
		}
		if eerr := d.events.SendStatus(status); eerr != nil {
			d.log.Error().Err(eerr).Msg("failed to emit send status")
		}
		return imcore.Receipt{}, fmt.Errorf("stat staged file: %w", err)
	}

	return d.commit(ctx, chat, rec)
}

// SendTapback appends an associated-message record reacting to a part of an
// existing message.
func (d *Daemon) SendTapback(ctx context.Context, chat *imcore.Chat, targetGUID string, targetPart, tapbackType int) (imcore.Receipt, error) {
	rec := d.newRecord(chat)
	rec.AssociatedGUID = fmt.Sprintf("p:%d/%s", targetPart, targetGUID)
	rec.AssociatedType = int64(tapbackType)
	return d.commit(ctx, chat, rec)
}

// MarkRead stamps read times up to a message and emits the read receipt.
func (d *Daemon) MarkRead(ctx context.Context, chat *imcore.Chat, upToGUID string) error {
	if err := d.store.MarkRead(ctx, chat.Identifier, upToGUID, d.now()); err != nil {
		return err
	}
	if err := d.events.ReadReceipt(chat.GUID, upToGUID); err != nil {
		d.log.Error().Err(err).Msg("failed to emit read receipt")
	}
	return nil
}

// SetTyping forwards typing state. Typing is never persisted; it only
// becomes an event.
func (d *Daemon) SetTyping(_ context.Context, chat *imcore.Chat, typing bool) error {
	return d.events.Typing(chat.GUID, typing)
}

// PrepareDM warms a direct chat so the first send has a row to land in.
func (d *Daemon) PrepareDM(ctx context.Context, guid string) error {
	service, style, identifier, err := imcore.ParseChatGUID(guid)
	if err != nil {
		return err
	}
	row := imstore.ChatRow{
		Identifier: identifier,
		Service:    string(service),
		Style:      int(style),
	}
	if style == imcore.StyleDirect {
		row.Participants = []string{identifier}
	}
	if err := d.store.UpsertChat(ctx, row); err != nil {
		return err
	}
	chat := imcore.NewChat(identifier, service, style, "", row.Participants)
	if err := d.events.Chat(chat); err != nil {
		d.log.Error().Err(err).Str("guid", guid).Msg("failed to emit chat event")
	}
	return nil
}

func (d *Daemon) newRecord(chat *imcore.Chat) imstore.Record {
	return imstore.Record{
		GUID:           strings.ToUpper(uuid.NewString()),
		ChatIdentifier: chat.Identifier,
		Service:        string(chat.Service),
		Time:           d.now(),
		Flags:          imstore.FlagFromMe | imstore.FlagDelivered,
	}
}

// commit writes the record, emits the message event, and builds the receipt.
func (d *Daemon) commit(ctx context.Context, chat *imcore.Chat, rec imstore.Record) (imcore.Receipt, error) {
	if err := d.store.InsertMessage(ctx, rec); err != nil {
		return imcore.Receipt{}, fmt.Errorf("append message: %w", err)
	}
	msg := imcore.Ingest(rec, chat.Identifier, chat.Service)
	if err := d.events.Message(msg); err != nil {
		d.log.Error().Err(err).Str("guid", rec.GUID).Msg("failed to emit message event")
	}
	return imcore.Receipt{
		GUID:      rec.GUID,
		Service:   chat.Service,
		Timestamp: float64(rec.Time.UnixNano()) / float64(time.Second),
	}, nil
}

var _ imcore.Daemon = (*Daemon)(nil)
