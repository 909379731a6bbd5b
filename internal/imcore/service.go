package imcore

import (
	"fmt"
	"strings"
)

// Service identifies the messaging service a chat or message belongs to.
type Service string

const (
	ServiceIMessage Service = "iMessage"
	ServiceSMS      Service = "SMS"
)

// Services lists every service a chat identity may span, in resolution
// priority order.
var Services = []Service{ServiceIMessage, ServiceSMS}

// ChatStyle distinguishes direct messages from group chats.
type ChatStyle int

const (
	StyleDirect ChatStyle = iota
	StyleGroup
)

// ChatTarget addresses one chat on one service.
type ChatTarget struct {
	Identifier string
	Service    Service
}

// ParseChatGUID splits a service-qualified chat guid of the form
// "iMessage;-;+15555550123" into its service, style, and identifier. The
// middle component is "-" for direct chats and "+" for groups.
func ParseChatGUID(guid string) (Service, ChatStyle, string, error) {
	parts := strings.SplitN(guid, ";", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", 0, "", fmt.Errorf("malformed chat guid %q", guid)
	}
	style := StyleDirect
	if parts[1] == "+" {
		style = StyleGroup
	}
	return Service(parts[0]), style, parts[2], nil
}

// ChatGUID produces the service-qualified guid for a chat.
func ChatGUID(service Service, style ChatStyle, identifier string) string {
	mid := "-"
	if style == StyleGroup {
		mid = "+"
	}
	return string(service) + ";" + mid + ";" + identifier
}
