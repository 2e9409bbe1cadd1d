package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	apiURL string
	token  string
	chatID string
	client *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		apiURL: telegramAPI,
		token:  token,
		chatID: chatID,
		client: newHTTPClient(),
	}
}

// WithAPIURL points the sender at a different Bot API host.
func (t *TelegramSender) WithAPIURL(u string) *TelegramSender {
	t.apiURL = strings.TrimRight(u, "/")
	return t
}

// Send posts msg as plain text; order ids contain characters that Markdown
// would mangle.
func (t *TelegramSender) Send(ctx context.Context, msg Message) error {
	text := msg.Title + "\n" + msg.Body
	if msg.Urgent {
		text = "[URGENT] " + text
	}
	payload := map[string]any{
		"chat_id":              t.chatID,
		"text":                 text,
		"disable_notification": !msg.Urgent,
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.token)
	return postJSON(ctx, t.client, t.Name(), url, payload)
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
