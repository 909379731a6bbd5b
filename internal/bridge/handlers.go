// Package bridge wires the protocol engine's command kinds to their
// handlers. Handlers hold the thin per-command logic and lean on the
// resolution pipeline, the backing store, and the live daemon registry.
package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/gangwayhq/gangway/internal/imcore"
	"github.com/gangwayhq/gangway/internal/imstore"
	"github.com/gangwayhq/gangway/internal/ipc"
	"github.com/gangwayhq/gangway/internal/resolve"
	"github.com/gangwayhq/gangway/internal/transport"
	"github.com/gangwayhq/gangway/internal/wire"
)

// Deps are the collaborators handlers dispatch into.
type Deps struct {
	Registry imcore.Registry
	Daemon   imcore.Daemon
	Resolver *resolve.Resolver
	Store    *imstore.Store
	Log      zerolog.Logger

	// DefaultLimit caps message-list replies when the request carries no
	// limit of its own.
	DefaultLimit int
}

type handlers struct {
	Deps
}

// RegisterAll installs every command handler on the engine.
func RegisterAll(e *ipc.Engine, deps Deps) {
	if deps.DefaultLimit <= 0 {
		deps.DefaultLimit = 100
	}
	h := &handlers{Deps: deps}

	e.Register(wire.KindGetChats, h.getChats)
	e.Register(wire.KindGetChat, h.getChat)
	e.Register(wire.KindGetRecentMessages, h.getRecentMessages)
	e.Register(wire.KindGetMessagesAfter, h.getMessagesAfter)
	e.Register(wire.KindMessageSearch, h.messageSearch)
	e.Register(wire.KindSendMessage, h.sendMessage)
	e.Register(wire.KindSendMedia, h.sendMedia)
	e.Register(wire.KindSendTapback, h.sendTapback)
	e.Register(wire.KindSendReadReceipt, h.sendReadReceipt)
	e.RegisterFireAndForget(wire.KindSetTyping, h.setTyping)
	e.Register(wire.KindResolveIdentifier, h.resolveIdentifier)
	e.Register(wire.KindPrepareDM, h.prepareDM)
	e.Register(wire.KindPing, h.ping)
	e.Register(wire.KindPreStartupSync, h.preStartupSync)
	e.Register(wire.KindBridgeStatus, h.bridgeStatus)
}

// chat resolves a service-qualified chat guid against the live registry.
func (h *handlers) chat(ctx context.Context, chatGUID string) (*imcore.Chat, error) {
	service, style, identifier, err := imcore.ParseChatGUID(chatGUID)
	if err != nil {
		return nil, &wire.ErrorPayload{Code: ipc.CodeBadRequest, Message: err.Error()}
	}
	chat, err := h.Registry.Chat(ctx, identifier, service, style)
	if err != nil {
		return nil, domainError(err)
	}
	return chat, nil
}

func (h *handlers) getChats(ctx context.Context, payload any) (any, error) {
	req := payload.(*wire.GetChatsRequest)
	rows, err := h.Store.ChatsSince(ctx, timeFromUnix(req.MinTimestamp))
	if err != nil {
		return nil, domainError(err)
	}
	guids := make([]string, 0, len(rows))
	for _, row := range rows {
		guids = append(guids, imcore.ChatGUID(imcore.Service(row.Service), imcore.ChatStyle(row.Style), row.Identifier))
	}
	return &ChatsResponse{Chats: guids}, nil
}

func (h *handlers) getChat(ctx context.Context, payload any) (any, error) {
	req := payload.(*wire.GetChatRequest)
	chat, err := h.chat(ctx, req.ChatGUID)
	if err != nil {
		return nil, err
	}
	if last, err := h.Registry.LastMessageTime(ctx, chat.Identifier); err == nil && !last.IsZero() {
		chat.LastMessageTime = float64(last.UnixMilli())
	}
	return chat, nil
}

func (h *handlers) getRecentMessages(ctx context.Context, payload any) (any, error) {
	req := payload.(*wire.GetRecentMessagesRequest)
	chat, err := h.chat(ctx, req.ChatGUID)
	if err != nil {
		return nil, err
	}
	siblings, err := h.Registry.Siblings(ctx, chat.Identifier, chat.Service)
	if err != nil {
		return nil, domainError(err)
	}
	msgs, err := h.Resolver.ByChats(ctx, siblings, resolve.Query{Limit: h.limit(req.Limit)})
	if err != nil {
		return nil, domainError(err)
	}
	return &MessagesResponse{Messages: msgs}, nil
}

func (h *handlers) getMessagesAfter(ctx context.Context, payload any) (any, error) {
	req := payload.(*wire.GetMessagesAfterRequest)
	chat, err := h.chat(ctx, req.ChatGUID)
	if err != nil {
		return nil, err
	}

	// When the chat's newest message predates the requested timestamp there
	// is nothing to resolve; skip the store round trip.
	last, err := h.Registry.LastMessageTime(ctx, chat.Identifier)
	if err == nil && !last.IsZero() && float64(last.UnixNano())/float64(time.Second) < req.Timestamp {
		return &MessagesResponse{Messages: []imcore.Message{}}, nil
	}

	siblings, err := h.Registry.Siblings(ctx, chat.Identifier, chat.Service)
	if err != nil {
		return nil, domainError(err)
	}
	msgs, err := h.Resolver.ByChats(ctx, siblings, resolve.Query{
		AfterTime: timeFromUnix(req.Timestamp),
		Limit:     h.limit(req.Limit),
	})
	if err != nil {
		return nil, domainError(err)
	}
	return &MessagesResponse{Messages: msgs}, nil
}

func (h *handlers) messageSearch(ctx context.Context, payload any) (any, error) {
	req := payload.(*wire.MessageSearchRequest)
	if req.Query == "" {
		return nil, &wire.ErrorPayload{Code: ipc.CodeBadRequest, Message: "empty search query"}
	}
	msgs, err := h.Resolver.Search(ctx, req.Query, req.Limit, imcore.ServiceIMessage)
	if err != nil {
		return nil, domainError(err)
	}
	return &MessagesResponse{Messages: msgs}, nil
}

func (h *handlers) sendMessage(ctx context.Context, payload any) (any, error) {
	req := payload.(*wire.SendMessageRequest)
	if req.Text == "" {
		return nil, &wire.ErrorPayload{Code: ipc.CodeBadRequest, Message: "empty message text"}
	}
	chat, err := h.chat(ctx, req.ChatGUID)
	if err != nil {
		return nil, err
	}
	receipt, err := h.Daemon.SendText(ctx, chat, req.Text, req.ReplyTo, req.ReplyToPart)
	if err != nil {
		return nil, domainError(err)
	}
	return &receipt, nil
}

func (h *handlers) sendMedia(ctx context.Context, payload any) (any, error) {
	req := payload.(*wire.SendMediaRequest)
	chat, err := h.chat(ctx, req.ChatGUID)
	if err != nil {
		return nil, err
	}
	receipt, err := h.Daemon.SendMedia(ctx, chat, imcore.Transfer{
		FileName: req.FileName,
		MIMEType: req.MIMEType,
		Path:     req.PathOnDisk,
	}, req.IsAudioMessage)
	if err != nil {
		return nil, domainError(err)
	}
	return &receipt, nil
}

func (h *handlers) sendTapback(ctx context.Context, payload any) (any, error) {
	req := payload.(*wire.SendTapbackRequest)
	chat, err := h.chat(ctx, req.ChatGUID)
	if err != nil {
		return nil, err
	}
	receipt, err := h.Daemon.SendTapback(ctx, chat, req.TargetGUID, req.TargetPart, req.Type)
	if err != nil {
		return nil, domainError(err)
	}
	return &receipt, nil
}

func (h *handlers) sendReadReceipt(ctx context.Context, payload any) (any, error) {
	req := payload.(*wire.SendReadReceiptRequest)
	chat, err := h.chat(ctx, req.ChatGUID)
	if err != nil {
		return nil, err
	}
	if err := h.Daemon.MarkRead(ctx, chat, req.ReadUpTo); err != nil {
		return nil, domainError(err)
	}
	return nil, nil
}

func (h *handlers) setTyping(ctx context.Context, payload any) (any, error) {
	req := payload.(*wire.SetTypingRequest)
	chat, err := h.chat(ctx, req.ChatGUID)
	if err != nil {
		return nil, err
	}
	if err := h.Daemon.SetTyping(ctx, chat, req.Typing); err != nil {
		return nil, domainError(err)
	}
	return nil, nil
}

func (h *handlers) resolveIdentifier(ctx context.Context, payload any) (any, error) {
	req := payload.(*wire.ResolveIdentifierRequest)
	if req.Identifier == "" {
		return nil, &wire.ErrorPayload{Code: ipc.CodeBadRequest, Message: "empty identifier"}
	}
	chat, err := h.Registry.BestChatForHandle(ctx, req.Identifier)
	if err != nil {
		return nil, domainError(err)
	}
	return &GUIDResponse{GUID: chat.GUID}, nil
}

func (h *handlers) prepareDM(ctx context.Context, payload any) (any, error) {
	req := payload.(*wire.PrepareDMRequest)
	if err := h.Daemon.PrepareDM(ctx, req.GUID); err != nil {
		return nil, domainError(err)
	}
	return nil, nil
}

func (h *handlers) ping(context.Context, any) (any, error) {
	return nil, nil
}

func (h *handlers) preStartupSync(context.Context, any) (any, error) {
	return &SkipSyncResponse{SkipSync: false}, nil
}

// bridgeStatus reports a connected state for as long as the engine is
// serving requests; the engine tags each dispatch context with its channel's
// transport.
func (h *handlers) bridgeStatus(ctx context.Context, _ any) (any, error) {
	return &BridgeStatusResponse{
		StateEvent: "CONNECTED",
		TTL:        240,
		Transport:  transport.GetTransport(ctx).String(),
	}, nil
}

func (h *handlers) limit(requested int) int {
	if requested > 0 {
		return requested
	}
	return h.DefaultLimit
}

// domainError maps domain sentinels to their stable wire codes. Anything
// unrecognized surfaces as internal_error at the dispatcher boundary.
func domainError(err error) error {
	var payload *wire.ErrorPayload
	switch {
	case errors.As(err, &payload):
		return err
	case errors.Is(err, imcore.ErrChatNotFound):
		return &wire.ErrorPayload{Code: ipc.CodeChatNotFound, Message: err.Error()}
	case errors.Is(err, imstore.ErrMessageNotFound):
		return &wire.ErrorPayload{Code: ipc.CodeMessageNotFound, Message: err.Error()}
	case errors.Is(err, resolve.ErrStoreUnavailable):
		return &wire.ErrorPayload{Code: ipc.CodeInternalError, Message: err.Error()}
	default:
		return err
	}
}

func timeFromUnix(seconds float64) time.Time {
	if seconds == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(seconds*float64(time.Second)))
}
