package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultTelegramAPI is the public Bot API endpoint.
const DefaultTelegramAPI = "https://api.telegram.org"

// ParseMode selects Telegram's message formatting.
type ParseMode string

const (
	ModePlain      ParseMode = ""
	ModeMarkdownV2 ParseMode = "MarkdownV2"
)

// OutgoingMessage is one sendMessage call.
type OutgoingMessage struct {
	ChatID    string
	Text      string
	ParseMode ParseMode
	Keyboard  [][]Button
}

// OutgoingDocument is one sendDocument call.
type OutgoingDocument struct {
	ChatID    string
	FileName  string
	Content   []byte
	Caption   string
	ParseMode ParseMode
}

// BotClient delivers messages for one bot token.
type BotClient interface {
	SendMessage(ctx context.Context, msg OutgoingMessage) error
	SendDocument(ctx context.Context, doc OutgoingDocument) error
}

// APIError is a Bot API response with ok=false.
type APIError struct {
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %d %s", e.StatusCode, e.Description)
}

type botResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// TelegramClient talks to the Bot API over resty.
type TelegramClient struct {
	http  *resty.Client
	token string
}

// NewTelegramClient creates a client for token against baseURL.
func NewTelegramClient(baseURL, token string, timeout time.Duration) *TelegramClient {
	if baseURL == "" {
		baseURL = DefaultTelegramAPI
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &TelegramClient{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return r.StatusCode() == 429 || r.StatusCode() >= 500
			}),
		token: token,
	}
}

// TelegramFactory returns a ClientFactory bound to baseURL.
func TelegramFactory(baseURL string, timeout time.Duration) ClientFactory {
	return func(token string) BotClient {
		return NewTelegramClient(baseURL, token, timeout)
	}
}

func (c *TelegramClient) method(name string) string {
	return "/bot" + c.token + "/" + name
}

// SendMessage calls sendMessage.
func (c *TelegramClient) SendMessage(ctx context.Context, msg OutgoingMessage) error {
	body := map[string]interface{}{
		"chat_id": msg.ChatID,
		"text":    msg.Text,
	}
	if msg.ParseMode != ModePlain {
		body["parse_mode"] = string(msg.ParseMode)
	}
	if len(msg.Keyboard) > 0 {
		body["reply_markup"] = map[string]interface{}{"inline_keyboard": msg.Keyboard}
	}

	var out botResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post(c.method("sendMessage"))
	return checkResponse(resp, err, &out)
}

// SendDocument uploads a file with an optional caption.
func (c *TelegramClient) SendDocument(ctx context.Context, doc OutgoingDocument) error {
	form := map[string]string{"chat_id": doc.ChatID}
	if doc.Caption != "" {
		form["caption"] = doc.Caption
		if doc.ParseMode != ModePlain {
			form["parse_mode"] = string(doc.ParseMode)
		}
	}

	var out botResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(form).
		SetFileReader("document", doc.FileName, bytes.NewReader(doc.Content)).
		SetResult(&out).
		SetError(&out).
		Post(c.method("sendDocument"))
	return checkResponse(resp, err, &out)
}

func checkResponse(resp *resty.Response, err error, out *botResponse) error {
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	if !out.OK {
		desc := out.Description
		if desc == "" {
			// body may not have been decoded for non-JSON errors
			var raw botResponse
			if json.Unmarshal(resp.Body(), &raw) == nil {
				desc = raw.Description
			}
		}
		if desc == "" {
			desc = resp.Status()
		}
		return &APIError{StatusCode: resp.StatusCode(), Description: desc}
	}
	return nil
}
