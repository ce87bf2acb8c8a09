// Package alert delivers templated chat alerts to Telegram groups.
//
// A send resolves a chat-group reference through the configuration store,
// renders the template, and delivers it as MarkdownV2. When that fails and
// the message is longer than the chunk size, the message is resent as
// plain-text chunks.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/moniwatch/moniwatch/internal/models"
	"github.com/moniwatch/moniwatch/internal/tracing"
	"github.com/moniwatch/moniwatch/pkg/clock"
	"github.com/rs/zerolog"
)

// Config tunes the dispatcher.
type Config struct {
	ChunkSize      int
	CacheSize      int
	PlatformLabels map[string]string
}

// Message is one alert to deliver.
type Message struct {
	ChannelRef string
	Template   string
	Vars       Variables
	Keyboard   [][]Button
	// Webhook selects the webhook variant of channel resolution.
	Webhook bool
}

// Delivery reports a successful send. The caller owns persisting SentAt
// as the job's last-alert time.
type Delivery struct {
	SentAt  time.Time
	Chunked bool
	Chunks  int
}

// ChunkError lists the chunks that could not be delivered during a
// plain-text resend.
type ChunkError struct {
	Failed   []int
	Total    int
	Original error
	Last     error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("%d of %d chunks failed %v after %v: %v", len(e.Failed), e.Total, e.Failed, e.Original, e.Last)
}

func (e *ChunkError) Unwrap() error {
	return e.Last
}

// Dispatcher sends alerts. It keeps no state besides the bot-client cache.
type Dispatcher struct {
	resolver ChannelResolver
	clients  *clientCache
	cfg      Config
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(resolver ChannelResolver, factory ClientFactory, cfg Config, clk clock.Clock, logger zerolog.Logger) *Dispatcher {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Dispatcher{
		resolver: resolver,
		clients:  newClientCache(cfg.CacheSize, factory),
		cfg:      cfg,
		clock:    clk,
		logger:   logger.With().Str("component", "alert").Logger(),
	}
}

// PlatformLabels returns the configured display names of platforms.
func (d *Dispatcher) PlatformLabels() map[string]string {
	return d.cfg.PlatformLabels
}

// Send resolves, renders and delivers msg.
func (d *Dispatcher) Send(ctx context.Context, msg Message) (*Delivery, error) {
	ch, err := d.resolver.Resolve(ctx, msg.ChannelRef, msg.Webhook)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartDeliverySpan(ctx, msg.ChannelRef)
	defer span.End()

	text := Render(msg.Template, msg.Vars, Escape)
	client := d.clients.get(ch.Token)

	err = client.SendMessage(ctx, OutgoingMessage{
		ChatID:    ch.ChatID,
		Text:      text,
		ParseMode: ModeMarkdownV2,
		Keyboard:  msg.Keyboard,
	})
	if err == nil {
		tracing.SetSpanOK(span)
		return &Delivery{SentAt: d.clock.Now()}, nil
	}

	if utf8.RuneCountInString(text) <= d.cfg.ChunkSize {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("%w: %w", models.ErrDelivery, err)
	}

	d.logger.Warn().
		Err(err).
		Str("channel", msg.ChannelRef).
		Int("length", utf8.RuneCountInString(text)).
		Msg("Formatted delivery failed, resending as plain chunks")

	chunks := Chunk(text, d.cfg.ChunkSize)
	var failed []int
	var last error
	for i, part := range chunks {
		if cerr := client.SendMessage(ctx, OutgoingMessage{ChatID: ch.ChatID, Text: StripMarkdown(part)}); cerr != nil {
			failed = append(failed, i)
			last = cerr
		}
	}
	if len(failed) > 0 {
		cerr := &ChunkError{Failed: failed, Total: len(chunks), Original: err, Last: last}
		tracing.RecordError(span, cerr)
		return nil, fmt.Errorf("%w: %w", models.ErrDelivery, cerr)
	}

	tracing.SetSpanOK(span)
	return &Delivery{SentAt: d.clock.Now(), Chunked: true, Chunks: len(chunks)}, nil
}

// SendDocument uploads content to the group behind ref.
func (d *Dispatcher) SendDocument(ctx context.Context, ref, fileName string, content []byte, caption string) (*Delivery, error) {
	ch, err := d.resolver.Resolve(ctx, ref, false)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartDeliverySpan(ctx, ref)
	defer span.End()

	err = d.clients.get(ch.Token).SendDocument(ctx, OutgoingDocument{
		ChatID:   ch.ChatID,
		FileName: fileName,
		Content:  content,
		Caption:  StripMarkdown(caption),
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("%w: %w", models.ErrDelivery, err)
	}
	tracing.SetSpanOK(span)
	return &Delivery{SentAt: d.clock.Now()}, nil
}

// Suppressed reports whether an alert at now falls inside the window that
// started at lastAlert.
func Suppressed(lastAlert *time.Time, windowMinutes int, now time.Time) bool {
	if lastAlert == nil || windowMinutes <= 0 {
		return false
	}
	return now.Sub(*lastAlert) < time.Duration(windowMinutes)*time.Minute
}

// Description extracts the bot's description from a delivery error, for
// log lines such as "Telegram send message error: <description>".
func Description(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Description
	}
	return err.Error()
}
