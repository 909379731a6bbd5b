package locald

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gangwayhq/gangway/internal/bridge"
	"github.com/gangwayhq/gangway/internal/imcore"
	"github.com/gangwayhq/gangway/internal/imstore"
)

type capturedEvent struct {
	kind    string
	payload any
}

type captureSink struct {
	events []capturedEvent
}

func (s *captureSink) SendEvent(kind string, payload any) error {
	s.events = append(s.events, capturedEvent{kind, payload})
	return nil
}

func (s *captureSink) last(t *testing.T, kind string) any {
	t.Helper()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].kind == kind {
			return s.events[i].payload
		}
	}
	t.Fatalf("no %s event captured; have %v", kind, s.events)
	return nil
}

func newTestDaemon(t *testing.T) (*Daemon, *imstore.Store, *captureSink) {
	t.Helper()
	store, err := imstore.Open(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sink := &captureSink{}
	d := NewDaemon(store, bridge.NewEvents(sink), zerolog.Nop())
	d.now = func() time.Time { return time.Unix(1700000000, 0) }
	return d, store, sink
}

func directChat(identifier string) *imcore.Chat {
	chat := imcore.NewChat(identifier, imcore.ServiceIMessage, imcore.StyleDirect, "", []string{identifier})
	return &chat
}

func TestSendTextAppendsAndEmits(t *testing.T) {
	d, store, sink := newTestDaemon(t)
	ctx := context.Background()
	chat := directChat("+15555550123")

	receipt, err := d.SendText(ctx, chat, "on my way", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if receipt.GUID == "" || receipt.Service != imcore.ServiceIMessage {
		t.Fatalf("receipt = %+v", receipt)
	}
	if receipt.Timestamp != 1700000000 {
		t.Errorf("timestamp = %v", receipt.Timestamp)
	}

	recs, err := store.RecordsForGUIDs(ctx, []string{receipt.GUID})
	if err != nil || len(recs) != 1 {
		t.Fatalf("recs = %v err = %v", recs, err)
	}
	rec := recs[0]
	if rec.Text != "on my way" || rec.Flags&imstore.FlagFromMe == 0 {
		t.Errorf("record = %+v", rec)
	}

	msg := sink.last(t, "message").(imcore.Message)
	if msg.GUID != receipt.GUID || !msg.FromMe {
		t.Errorf("event = %+v", msg)
	}
}

func TestSendTextThreaded(t *testing.T) {
	d, store, _ := newTestDaemon(t)
	ctx := context.Background()

	receipt, err := d.SendText(ctx, directChat("+15555550123"), "replying", "ROOT-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	recs, _ := store.RecordsForGUIDs(ctx, []string{receipt.GUID})
	if recs[0].ThreadIdentifier != "r:2:ROOT-1" {
		t.Fatalf("thread identifier = %q", recs[0].ThreadIdentifier)
	}
}

func TestSendMediaAssignsTransfer(t *testing.T) {
	d, store, _ := newTestDaemon(t)
	ctx := context.Background()

	staged := filepath.Join(t.TempDir(), "photo.heic")
	if err := os.WriteFile(staged, []byte("jpegish"), 0600); err != nil {
		t.Fatal(err)
	}

	receipt, err := d.SendMedia(ctx, directChat("+15555550123"), imcore.Transfer{
		FileName: "photo.heic",
		MIMEType: "image/heic",
		Path:     staged,
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	recs, _ := store.RecordsForGUIDs(ctx, []string{receipt.GUID})
	if len(recs) != 1 || len(recs[0].Attachments) != 1 {
		t.Fatalf("recs = %+v", recs)
	}
	att := recs[0].Attachments[0]
	if att.TransferGUID == "" || att.FileName != "photo.heic" || att.Path != staged {
		t.Errorf("attachment = %+v", att)
	}
}

func TestSendMediaMissingFile(t *testing.T) {
	d, _, sink := newTestDaemon(t)

	_, err := d.SendMedia(context.Background(), directChat("+15555550123"), imcore.Transfer{
		FileName: "gone.pdf",
		Path:     filepath.Join(t.TempDir(), "gone.pdf"),
	}, false)
	if err == nil {
		t.Fatal("expected error for missing staged file")
	}

	status := sink.last(t, "send_message_status").(*bridge.SendMessageStatusEvent)
	if status.Status != bridge.StatusFailed || status.StatusCode != "attachment_missing" {
		t.Fatalf("status = %+v", status)
	}
}

func TestSendAudioMessageFlag(t *testing.T) {
	d, store, _ := newTestDaemon(t)
	ctx := context.Background()

	staged := filepath.Join(t.TempDir(), "memo.caf")
	if err := os.WriteFile(staged, []byte("audio"), 0600); err != nil {
		t.Fatal(err)
	}
	receipt, err := d.SendMedia(ctx, directChat("+15555550123"), imcore.Transfer{FileName: "memo.caf", Path: staged}, true)
	if err != nil {
		t.Fatal(err)
	}
	recs, _ := store.RecordsForGUIDs(ctx, []string{receipt.GUID})
	if recs[0].Flags&imstore.FlagAudio == 0 {
		t.Error("audio flag not set")
	}
}

func TestMarkReadEmitsReceipt(t *testing.T) {
	d, store, sink := newTestDaemon(t)
	ctx := context.Background()

	if err := store.InsertMessage(ctx, imstore.Record{
		GUID: "IN-1", ChatIdentifier: "+15555550123", Service: "iMessage",
		Sender: "+15555550123", Text: "unread", Time: time.Unix(1699999000, 0),
	}); err != nil {
		t.Fatal(err)
	}

	if err := d.MarkRead(ctx, directChat("+15555550123"), "IN-1"); err != nil {
		t.Fatal(err)
	}
	ev := sink.last(t, "read_receipt").(*bridge.ReadReceiptEvent)
	if ev.ReadUpTo != "IN-1" || ev.ChatGUID != "iMessage;-;+15555550123" {
		t.Fatalf("event = %+v", ev)
	}

	if err := d.MarkRead(ctx, directChat("+15555550123"), "GHOST"); !errors.Is(err, imstore.ErrMessageNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestSetTypingIsEventOnly(t *testing.T) {
	d, store, sink := newTestDaemon(t)
	ctx := context.Background()

	if err := d.SetTyping(ctx, directChat("+15555550123"), true); err != nil {
		t.Fatal(err)
	}
	ev := sink.last(t, "typing").(*bridge.TypingEvent)
	if !ev.Typing {
		t.Fatalf("event = %+v", ev)
	}

	// Nothing persisted.
	last, err := store.LastMessageTime(ctx, "+15555550123")
	if err != nil || !last.IsZero() {
		t.Fatalf("typing leaked into the store: %v %v", last, err)
	}
}

func TestPrepareDM(t *testing.T) {
	d, store, sink := newTestDaemon(t)
	ctx := context.Background()

	if err := d.PrepareDM(ctx, "iMessage;-;+15555559999"); err != nil {
		t.Fatal(err)
	}
	ev := sink.last(t, "chat").(imcore.Chat)
	if ev.GUID != "iMessage;-;+15555559999" {
		t.Fatalf("chat event = %+v", ev)
	}
	row, err := store.Chat(ctx, "+15555559999", "iMessage")
	if err != nil || row == nil {
		t.Fatalf("row = %v err = %v", row, err)
	}
	if len(row.Participants) != 1 || row.Participants[0] != "+15555559999" {
		t.Fatalf("participants = %v", row.Participants)
	}

	if err := d.PrepareDM(ctx, "garbage"); err == nil {
		t.Fatal("expected error for malformed guid")
	}
}
