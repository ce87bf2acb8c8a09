// Package notify fans webhook pushes out to the channels named in the
// request's type field.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/moniwatch/moniwatch/internal/alert"
	"github.com/moniwatch/moniwatch/internal/models"
	"github.com/rs/zerolog"
)

// Common errors.
var (
	ErrUnknownChannel = errors.New("unsupported push type")
	ErrMissingTarget  = errors.New("push target missing")
)

// ChannelType names a push channel.
type ChannelType string

const (
	ChannelLog      ChannelType = "log"
	ChannelTelegram ChannelType = "tg"
	ChannelMail     ChannelType = "mail"
)

// TimeLayout formats the {time} placeholder.
const TimeLayout = "2006-01-02 15:04:05"

// Push is one ad-hoc message received on the webhook.
type Push struct {
	Asid     string    `json:"asid,omitempty"`
	Title    string    `json:"title,omitempty"`
	Descr    string    `json:"descr,omitempty"`
	Remark   string    `json:"remark,omitempty"`
	Reporter string    `json:"reporter,omitempty"`
	TgID     string    `json:"tgId,omitempty"`
	MailAddr string    `json:"mailAdd,omitempty"`
	Time     time.Time `json:"time"`
}

// Variables returns the template placeholders of p.
func (p *Push) Variables() alert.Variables {
	return alert.Variables{
		"asid":     p.Asid,
		"title":    p.Title,
		"descr":    p.Descr,
		"remark":   p.Remark,
		"reporter": p.Reporter,
		"time":     p.Time.Format(TimeLayout),
	}
}

// Sender delivers a push on one channel.
type Sender interface {
	Send(ctx context.Context, push *Push) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, push *Push) error

func (f SenderFunc) Send(ctx context.Context, push *Push) error {
	return f(ctx, push)
}

// Hub routes pushes to registered senders.
type Hub struct {
	mu      sync.RWMutex
	senders map[ChannelType]Sender
	logger  zerolog.Logger
}

// NewHub creates a hub with the log channel registered.
func NewHub(logger zerolog.Logger) *Hub {
	h := &Hub{
		senders: make(map[ChannelType]Sender),
		logger:  logger.With().Str("component", "notify").Logger(),
	}
	h.Register(ChannelLog, NewLogSender(h.logger))
	return h
}

// Register adds or replaces the sender of a channel.
func (h *Hub) Register(channel ChannelType, s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.senders[channel] = s
}

// Channels lists the registered channel types.
func (h *Hub) Channels() []ChannelType {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ChannelType, 0, len(h.senders))
	for c := range h.senders {
		out = append(out, c)
	}
	return out
}

// ParseTypes splits a type field such as "log/tg/mail" or "tg,mail".
// Entries are lower-cased and duplicates dropped, keeping order.
func ParseTypes(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == '/' || r == ',' })
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// Dispatch sends push on every named channel. Every channel is attempted;
// the result map holds one entry per channel.
func (h *Hub) Dispatch(ctx context.Context, types []string, push *Push) map[string]models.ChannelResult {
	results := make(map[string]models.ChannelResult, len(types))
	for _, t := range types {
		h.mu.RLock()
		sender, ok := h.senders[ChannelType(t)]
		h.mu.RUnlock()

		if !ok {
			results[t] = models.ChannelResult{Message: fmt.Sprintf("%v: %s", ErrUnknownChannel, t)}
			continue
		}
		if err := sender.Send(ctx, push); err != nil {
			h.logger.Warn().Err(err).Str("channel", t).Str("reporter", push.Reporter).Msg("Push delivery failed")
			results[t] = models.ChannelResult{Message: err.Error()}
			continue
		}
		results[t] = models.ChannelResult{OK: true, Message: "sent"}
	}
	return results
}

// NewLogSender returns the channel that only writes the push to the log.
func NewLogSender(logger zerolog.Logger) Sender {
	return SenderFunc(func(_ context.Context, p *Push) error {
		logger.Info().
			Str("asid", p.Asid).
			Str("title", p.Title).
			Str("reporter", p.Reporter).
			Str("descr", p.Descr).
			Str("remark", p.Remark).
			Msg("Push received")
		return nil
	})
}
