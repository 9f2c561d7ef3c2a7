package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultAPI  = "https://api.telegram.org"
	sendTimeout = 10 * time.Second
)

// Notifier talks to the Telegram Bot API: it sends messages to the
// configured chat and long-polls updates for the command listener.
type Notifier struct {
	botToken string
	chatID   string
	client   *resty.Client
	enabled  bool
	baseURL  string // overridable for testing; defaults to Telegram API
}

// NewNotifier creates a Notifier. Sending is enabled only when both botToken
// and chatID are non-empty.
func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken: botToken,
		chatID:   chatID,
		client:   resty.New(),
		enabled:  botToken != "" && chatID != "",
	}
}

// Enabled reports whether the notifier is active.
func (n *Notifier) Enabled() bool { return n.enabled }

func (n *Notifier) ChatID() string { return n.chatID }

func (n *Notifier) endpoint(method string) string {
	base := n.baseURL
	if base == "" {
		base = defaultAPI
	}
	return fmt.Sprintf("%s/bot%s/%s", strings.TrimRight(base, "/"), n.botToken, method)
}

type apiResponse[T any] struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      T      `json:"result"`
}

// Send posts an HTML message to the configured chat.
func (n *Notifier) Send(ctx context.Context, msg string) error {
	if !n.enabled {
		return nil
	}
	return n.SendTo(ctx, n.chatID, msg)
}

// SendTo posts an HTML message to an explicit chat.
func (n *Notifier) SendTo(ctx context.Context, chatID, msg string) error {
	if n.botToken == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	var out apiResponse[struct{}]
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"chat_id":    chatID,
			"text":       msg,
			"parse_mode": "HTML",
		}).
		SetResult(&out).
		SetError(&out).
		Post(n.endpoint("sendMessage"))
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	if resp.IsError() || !out.OK {
		return fmt.Errorf("notify: telegram %d: %s", resp.StatusCode(), out.Description)
	}
	return nil
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Chat struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Name is the human label of the chat.
func (c Chat) Name() string {
	switch {
	case c.Title != "":
		return c.Title
	case c.FirstName != "":
		return c.FirstName
	case c.Username != "":
		return "@" + c.Username
	}
	return "unknown"
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
	Date      int64  `json:"date"`
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

var ErrNoToken = errors.New("notify: bot token not configured")

// GetUpdates long-polls the Bot API for updates after offset.
func (n *Notifier) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	if n.botToken == "" {
		return nil, ErrNoToken
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+sendTimeout)
	defer cancel()
	var out apiResponse[[]Update]
	resp, err := n.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"offset":  fmt.Sprint(offset),
			"timeout": fmt.Sprint(int(timeout.Seconds())),
		}).
		SetResult(&out).
		SetError(&out).
		Get(n.endpoint("getUpdates"))
	if err != nil {
		return nil, fmt.Errorf("notify: get updates: %w", err)
	}
	if resp.IsError() || !out.OK {
		return nil, fmt.Errorf("notify: telegram %d: %s", resp.StatusCode(), out.Description)
	}
	return out.Result, nil
}
