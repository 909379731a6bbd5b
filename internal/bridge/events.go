package bridge

import (
	"github.com/gangwayhq/gangway/internal/imcore"
	"github.com/gangwayhq/gangway/internal/wire"
)

// Sink accepts unsolicited outbound events. Satisfied by *ipc.Engine.
type Sink interface {
	SendEvent(kind string, payload any) error
}

// Events pushes domain events to the peer with their protocol kinds.
type Events struct {
	sink Sink
}

// NewEvents wraps a sink.
func NewEvents(sink Sink) *Events {
	return &Events{sink: sink}
}

// Message pushes a new or updated message.
func (e *Events) Message(msg imcore.Message) error {
	return e.sink.SendEvent(wire.KindMessage, msg)
}

// ReadReceipt pushes a read receipt.
func (e *Events) ReadReceipt(chatGUID, readUpTo string) error {
	return e.sink.SendEvent(wire.KindReadReceipt, &ReadReceiptEvent{ChatGUID: chatGUID, ReadUpTo: readUpTo})
}

// Typing pushes a typing state change.
func (e *Events) Typing(chatGUID string, typing bool) error {
	return e.sink.SendEvent(wire.KindTyping, &TypingEvent{ChatGUID: chatGUID, Typing: typing})
}

// Chat pushes a chat info update.
func (e *Events) Chat(chat imcore.Chat) error {
	return e.sink.SendEvent(wire.KindChat, chat)
}

// SendStatus pushes the asynchronous fate of a send.
func (e *Events) SendStatus(ev SendMessageStatusEvent) error {
	return e.sink.SendEvent(wire.KindSendMessageStatus, &ev)
}
