package bridge_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gangwayhq/gangway/internal/bridge"
	"github.com/gangwayhq/gangway/internal/imstore"
	"github.com/gangwayhq/gangway/internal/ipc"
	"github.com/gangwayhq/gangway/internal/locald"
	"github.com/gangwayhq/gangway/internal/resolve"
)

// harness wires the full stack the way serve does, with the test playing the
// bridge over an in-memory pipe.
type harness struct {
	t     *testing.T
	store *imstore.Store
	conn  net.Conn
	sc    *bufio.Scanner

	nextID int64
	events []map[string]any
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := imstore.Open(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	server, client := net.Pipe()
	engine := ipc.New(ipc.NewSocketChannel(server), zerolog.Nop(), ipc.Options{RequestTimeout: 5 * time.Second})
	events := bridge.NewEvents(engine)
	daemon := locald.NewDaemon(store, events, zerolog.Nop())
	bridge.RegisterAll(engine, bridge.Deps{
		Registry:     locald.NewRegistry(store),
		Daemon:       daemon,
		Resolver:     resolve.New(store, zerolog.Nop(), 0, 0),
		Store:        store,
		Log:          zerolog.Nop(),
		DefaultLimit: 100,
	})

	done := make(chan error, 1)
	go func() { done <- engine.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = client.Close()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("engine.Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})

	return &harness{t: t, store: store, conn: client, sc: bufio.NewScanner(client)}
}

// request sends one command and returns its correlated reply, buffering any
// events that arrive first.
func (h *harness) request(kind string, fields map[string]any) map[string]any {
	h.t.Helper()
	h.nextID++
	frame := map[string]any{"id": h.nextID, "kind": kind}
	for k, v := range fields {
		frame[k] = v
	}
	blob, err := json.Marshal(frame)
	if err != nil {
		h.t.Fatal(err)
	}
	if _, err := h.conn.Write(append(blob, '\n')); err != nil {
		h.t.Fatal(err)
	}

	for h.sc.Scan() {
		var reply map[string]any
		if err := json.Unmarshal(h.sc.Bytes(), &reply); err != nil {
			h.t.Fatalf("bad frame %q: %v", h.sc.Text(), err)
		}
		if id, ok := reply["id"].(float64); ok && int64(id) == h.nextID {
			return reply
		}
		h.events = append(h.events, reply)
	}
	h.t.Fatalf("peer closed waiting for reply to %s: %v", kind, h.sc.Err())
	return nil
}

func (h *harness) event(kind string) map[string]any {
	h.t.Helper()
	for i, ev := range h.events {
		if ev["kind"] == kind {
			h.events = append(h.events[:i], h.events[i+1:]...)
			return ev
		}
	}
	h.t.Fatalf("no buffered %s event; have %v", kind, h.events)
	return nil
}

func (h *harness) seedChat(identifier, service string, style int, participants ...string) {
	h.t.Helper()
	err := h.store.UpsertChat(context.Background(), imstore.ChatRow{
		Identifier:   identifier,
		Service:      service,
		Style:        style,
		Participants: participants,
	})
	if err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) seedMessage(guid, chat string, at time.Time, text string) {
	h.t.Helper()
	err := h.store.InsertMessage(context.Background(), imstore.Record{
		GUID:           guid,
		ChatIdentifier: chat,
		Service:        "iMessage",
		Sender:         chat,
		Text:           text,
		Time:           at,
	})
	if err != nil {
		h.t.Fatal(err)
	}
}

func TestGetRecentMessages(t *testing.T) {
	h := newHarness(t)
	h.seedChat("+15555550123", "iMessage", 0, "+15555550123")
	base := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		h.seedMessage(fmt.Sprintf("M-%d", i), "+15555550123", base.Add(time.Duration(i)*time.Minute), fmt.Sprintf("msg %d", i))
	}

	reply := h.request("get_recent_messages", map[string]any{
		"chat_guid": "iMessage;-;+15555550123",
		"limit":     3,
	})
	if reply["kind"] != "response" {
		t.Fatalf("reply = %v", reply)
	}
	msgs := reply["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	first := msgs[0].(map[string]any)
	if first["guid"] != "M-4" || first["chat_guid"] != "iMessage;-;+15555550123" {
		t.Errorf("first message = %v, want the newest", first)
	}
}

func TestGetRecentMessagesUnknownChat(t *testing.T) {
	h := newHarness(t)
	reply := h.request("get_recent_messages", map[string]any{"chat_guid": "iMessage;-;+19995550000"})
	if reply["kind"] != "error" || reply["code"] != ipc.CodeChatNotFound {
		t.Fatalf("reply = %v", reply)
	}
}

func TestGetMessagesAfter(t *testing.T) {
	h := newHarness(t)
	h.seedChat("+15555550123", "iMessage", 0, "+15555550123")
	base := time.Unix(1700000000, 0)
	h.seedMessage("OLD", "+15555550123", base, "old")
	h.seedMessage("NEW", "+15555550123", base.Add(time.Hour), "new")

	reply := h.request("get_messages_after", map[string]any{
		"chat_guid": "iMessage;-;+15555550123",
		"timestamp": float64(base.Add(30 * time.Minute).Unix()),
	})
	msgs := reply["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["guid"] != "NEW" {
		t.Fatalf("messages = %v, want just NEW", msgs)
	}

	// Whole history predates the cutoff: empty success without touching
	// the resolver.
	reply = h.request("get_messages_after", map[string]any{
		"chat_guid": "iMessage;-;+15555550123",
		"timestamp": float64(base.Add(24 * time.Hour).Unix()),
	})
	if reply["kind"] != "response" {
		t.Fatalf("reply = %v", reply)
	}
	if msgs := reply["messages"].([]any); len(msgs) != 0 {
		t.Fatalf("messages = %v, want none", msgs)
	}
}

func TestGetMessagesAfterConcurrent(t *testing.T) {
	h := newHarness(t)
	h.seedChat("+15555550123", "iMessage", 0, "+15555550123")
	base := time.Unix(1700000000, 0)
	h.seedMessage("OLD", "+15555550123", base, "old")
	h.seedMessage("NEW", "+15555550123", base.Add(time.Hour), "new")

	// Two identical requests in flight at once. Each reply must carry its
	// own id and the same single-message result.
	for _, id := range []int64{41, 42} {
		frame := fmt.Sprintf(`{"id":%d,"kind":"get_messages_after","chat_guid":"iMessage;-;+15555550123","timestamp":%d}`+"\n",
			id, base.Add(30*time.Minute).Unix())
		if _, err := h.conn.Write([]byte(frame)); err != nil {
			t.Fatal(err)
		}
	}

	got := map[int64][]any{}
	for len(got) < 2 && h.sc.Scan() {
		var reply map[string]any
		if err := json.Unmarshal(h.sc.Bytes(), &reply); err != nil {
			t.Fatalf("bad frame %q: %v", h.sc.Text(), err)
		}
		id, ok := reply["id"].(float64)
		if !ok {
			continue
		}
		if reply["kind"] != "response" {
			t.Fatalf("reply %v = %v", id, reply)
		}
		got[int64(id)] = reply["messages"].([]any)
	}
	for _, id := range []int64{41, 42} {
		msgs := got[id]
		if len(msgs) != 1 || msgs[0].(map[string]any)["guid"] != "NEW" {
			t.Fatalf("id %d messages = %v, want just NEW", id, msgs)
		}
	}
}

func TestSendMessageReceiptAndEvent(t *testing.T) {
	h := newHarness(t)
	h.seedChat("+15555550123", "iMessage", 0, "+15555550123")

	reply := h.request("send_message", map[string]any{
		"chat_guid": "iMessage;-;+15555550123",
		"text":      "on my way",
	})
	if reply["kind"] != "response" {
		t.Fatalf("reply = %v", reply)
	}
	guid, _ := reply["guid"].(string)
	if guid == "" || reply["service"] != "iMessage" {
		t.Fatalf("receipt = %v", reply)
	}
	if ts, _ := reply["timestamp"].(float64); ts == 0 {
		t.Fatalf("receipt timestamp missing: %v", reply)
	}

	// The full message event precedes the receipt on the wire.
	ev := h.event("message")
	if ev["guid"] != guid || ev["is_from_me"] != true {
		t.Fatalf("message event = %v", ev)
	}

	// The sent message is now part of history.
	hist := h.request("get_recent_messages", map[string]any{"chat_guid": "iMessage;-;+15555550123"})
	msgs := hist["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["guid"] != guid {
		t.Fatalf("history = %v", msgs)
	}
}

func TestSendMessageValidation(t *testing.T) {
	h := newHarness(t)
	reply := h.request("send_message", map[string]any{"chat_guid": "iMessage;-;+15555550123", "text": ""})
	if reply["kind"] != "error" || reply["code"] != ipc.CodeBadRequest {
		t.Fatalf("reply = %v", reply)
	}

	reply = h.request("send_message", map[string]any{"chat_guid": "garbage", "text": "hi"})
	if reply["kind"] != "error" || reply["code"] != ipc.CodeBadRequest {
		t.Fatalf("reply = %v", reply)
	}
}

func TestSendTapback(t *testing.T) {
	h := newHarness(t)
	h.seedChat("+15555550123", "iMessage", 0, "+15555550123")
	h.seedMessage("TARGET", "+15555550123", time.Unix(1700000000, 0), "react to me")

	reply := h.request("send_tapback", map[string]any{
		"chat_guid":   "iMessage;-;+15555550123",
		"target_guid": "TARGET",
		"target_part": 0,
		"type":        2000,
	})
	if reply["kind"] != "response" {
		t.Fatalf("reply = %v", reply)
	}
	ev := h.event("message")
	if ev["associated_message_guid"] != "p:0/TARGET" || ev["associated_message_type"] != float64(2000) {
		t.Fatalf("tapback event = %v", ev)
	}
}

func TestSendReadReceipt(t *testing.T) {
	h := newHarness(t)
	h.seedChat("+15555550123", "iMessage", 0, "+15555550123")
	h.seedMessage("IN-1", "+15555550123", time.Unix(1700000000, 0), "unread")

	reply := h.request("send_read_receipt", map[string]any{
		"chat_guid":  "iMessage;-;+15555550123",
		"read_up_to": "IN-1",
	})
	if reply["kind"] != "response" {
		t.Fatalf("reply = %v", reply)
	}
	ev := h.event("read_receipt")
	if ev["chat_guid"] != "iMessage;-;+15555550123" || ev["read_up_to"] != "IN-1" {
		t.Fatalf("event = %v", ev)
	}

	reply = h.request("send_read_receipt", map[string]any{
		"chat_guid":  "iMessage;-;+15555550123",
		"read_up_to": "GHOST",
	})
	if reply["kind"] != "error" || reply["code"] != ipc.CodeMessageNotFound {
		t.Fatalf("reply = %v", reply)
	}
}

func TestGetChatsAndGetChat(t *testing.T) {
	h := newHarness(t)
	h.seedChat("+15555550123", "iMessage", 0, "+15555550123")
	h.seedChat("chat847362", "iMessage", 1, "+15555550123", "+15555559999")
	base := time.Unix(1700000000, 0)
	h.seedMessage("A", "+15555550123", base, "older activity")
	h.seedMessage("B", "chat847362", base.Add(time.Hour), "newer activity")

	reply := h.request("get_chats", map[string]any{"min_timestamp": float64(base.Unix())})
	chats := reply["chats"].([]any)
	if len(chats) != 2 || chats[0] != "iMessage;+;chat847362" || chats[1] != "iMessage;-;+15555550123" {
		t.Fatalf("chats = %v, want most recently active first", chats)
	}

	reply = h.request("get_chat", map[string]any{"chat_guid": "iMessage;+;chat847362"})
	if reply["chat_guid"] != "iMessage;+;chat847362" {
		t.Fatalf("chat = %v", reply)
	}
	if parts := reply["participants"].([]any); len(parts) != 2 {
		t.Fatalf("participants = %v", parts)
	}
	if reply["last_message_time"] == float64(0) {
		t.Fatal("last_message_time not populated")
	}
}

func TestResolveIdentifierAndPrepareDM(t *testing.T) {
	h := newHarness(t)

	// Unknown handle: a direct iMessage chat is created for it.
	reply := h.request("resolve_identifier", map[string]any{"identifier": "+15555550123"})
	if reply["guid"] != "iMessage;-;+15555550123" {
		t.Fatalf("reply = %v", reply)
	}

	reply = h.request("prepare_dm", map[string]any{"guid": "iMessage;-;+15555559999"})
	if reply["kind"] != "response" {
		t.Fatalf("reply = %v", reply)
	}
	reply = h.request("get_chat", map[string]any{"chat_guid": "iMessage;-;+15555559999"})
	if reply["kind"] != "response" {
		t.Fatalf("prepared chat not visible: %v", reply)
	}

	reply = h.request("resolve_identifier", map[string]any{"identifier": ""})
	if reply["kind"] != "error" || reply["code"] != ipc.CodeBadRequest {
		t.Fatalf("reply = %v", reply)
	}
}

func TestSetTypingEmitsEvent(t *testing.T) {
	h := newHarness(t)
	h.seedChat("+15555550123", "iMessage", 0, "+15555550123")

	// With an id, set_typing replies like any command.
	reply := h.request("set_typing", map[string]any{
		"chat_guid": "iMessage;-;+15555550123",
		"typing":    true,
	})
	if reply["kind"] != "response" {
		t.Fatalf("reply = %v", reply)
	}
	ev := h.event("typing")
	if ev["typing"] != true {
		t.Fatalf("event = %v", ev)
	}
}

func TestMessageSearch(t *testing.T) {
	h := newHarness(t)
	h.seedChat("+15555550123", "iMessage", 0, "+15555550123")
	base := time.Unix(1700000000, 0)
	h.seedMessage("S-1", "+15555550123", base, "pizza tonight?")
	h.seedMessage("S-2", "+15555550123", base.Add(time.Minute), "nothing relevant")

	reply := h.request("message_search", map[string]any{"query": "pizza"})
	msgs := reply["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["guid"] != "S-1" {
		t.Fatalf("messages = %v", msgs)
	}

	reply = h.request("message_search", map[string]any{"query": ""})
	if reply["kind"] != "error" || reply["code"] != ipc.CodeBadRequest {
		t.Fatalf("reply = %v", reply)
	}
}

func TestBridgeStatus(t *testing.T) {
	h := newHarness(t)

	reply := h.request("bridge_status", nil)
	if reply["kind"] != "response" || reply["state_event"] != "CONNECTED" {
		t.Fatalf("reply = %v", reply)
	}
	if reply["ttl"].(float64) <= 0 {
		t.Fatalf("ttl = %v, want positive", reply["ttl"])
	}
	// The engine stamps each dispatch context with its channel's transport.
	if reply["transport"] != "unix_socket" {
		t.Fatalf("transport = %v, want unix_socket", reply["transport"])
	}
}

func TestPingAndPreStartupSync(t *testing.T) {
	h := newHarness(t)

	reply := h.request("ping", nil)
	if reply["kind"] != "response" {
		t.Fatalf("reply = %v", reply)
	}

	reply = h.request("pre_startup_sync", nil)
	if reply["kind"] != "response" || reply["skip_sync"] != false {
		t.Fatalf("reply = %v", reply)
	}
}
