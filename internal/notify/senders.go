package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/moniwatch/moniwatch/internal/alert"
	"github.com/moniwatch/moniwatch/internal/models"
	"github.com/moniwatch/moniwatch/internal/storage"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// TemplateKeyPrefix prefixes push templates in the config store.
const TemplateKeyPrefix = "webhook.template."

// TemplateKey returns the config key of the push template of a channel.
func TemplateKey(channel ChannelType) string {
	return TemplateKeyPrefix + string(channel)
}

// Default push templates, used until one is stored.
const (
	DefaultTelegramTemplate = "*{title}*\nASID: {asid}\n{descr}\n{remark}\nReporter: {reporter}\nTime: {time}"
	DefaultMailTemplate     = "{title}\n\nASID: {asid}\n{descr}\n\n{remark}\n\nReporter: {reporter}\nTime: {time}"
)

// Templates reads push templates from the config store.
type Templates struct {
	store    storage.ConfigStore
	defaults map[ChannelType]string
}

// NewTemplates creates a template source backed by store.
func NewTemplates(store storage.ConfigStore) *Templates {
	return &Templates{
		store: store,
		defaults: map[ChannelType]string{
			ChannelTelegram: DefaultTelegramTemplate,
			ChannelMail:     DefaultMailTemplate,
		},
	}
}

// Get returns the stored template of channel, or its default.
func (t *Templates) Get(ctx context.Context, channel ChannelType) (string, error) {
	v, err := t.store.GetConfig(ctx, TemplateKey(channel))
	if errors.Is(err, models.ErrConfigNotFound) || (err == nil && strings.TrimSpace(v) == "") {
		return t.defaults[channel], nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s template: %w", channel, err)
	}
	return v, nil
}

// Set stores the template of channel.
func (t *Templates) Set(ctx context.Context, channel ChannelType, tmpl string) error {
	return t.store.SetConfig(ctx, TemplateKey(channel), tmpl)
}

// AlertSender is the chat delivery the Telegram channel relies on.
type AlertSender interface {
	Send(ctx context.Context, msg alert.Message) (*alert.Delivery, error)
}

// TelegramSender pushes to the chat group named by the push's tgId.
type TelegramSender struct {
	alerts    AlertSender
	templates *Templates
}

// NewTelegramSender creates the tg channel.
func NewTelegramSender(alerts AlertSender, templates *Templates) *TelegramSender {
	return &TelegramSender{alerts: alerts, templates: templates}
}

func (s *TelegramSender) Send(ctx context.Context, p *Push) error {
	if strings.TrimSpace(p.TgID) == "" {
		return fmt.Errorf("%w: tgId is required for tg", ErrMissingTarget)
	}
	tmpl, err := s.templates.Get(ctx, ChannelTelegram)
	if err != nil {
		return err
	}
	_, err = s.alerts.Send(ctx, alert.Message{
		ChannelRef: p.TgID,
		Template:   tmpl,
		Vars:       p.Variables(),
		Webhook:    true,
	})
	return err
}

// MailClient is the SendGrid call the mail channel makes.
type MailClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// MailConfig configures the mail channel.
type MailConfig struct {
	APIKey   string
	FromName string
	FromAddr string
}

// MailSender pushes to the addresses in the push's mailAdd.
type MailSender struct {
	client    MailClient
	from      *mail.Email
	templates *Templates
}

// NewMailSender creates the mail channel on a SendGrid client.
func NewMailSender(cfg MailConfig, templates *Templates) *MailSender {
	return NewMailSenderWithClient(sendgrid.NewSendClient(cfg.APIKey), cfg, templates)
}

// NewMailSenderWithClient creates the mail channel on client.
func NewMailSenderWithClient(client MailClient, cfg MailConfig, templates *Templates) *MailSender {
	name := cfg.FromName
	if name == "" {
		name = "moniwatch"
	}
	return &MailSender{
		client:    client,
		from:      mail.NewEmail(name, cfg.FromAddr),
		templates: templates,
	}
}

func (s *MailSender) Send(ctx context.Context, p *Push) error {
	addrs := splitAddresses(p.MailAddr)
	if len(addrs) == 0 {
		return fmt.Errorf("%w: mailAdd is required for mail", ErrMissingTarget)
	}
	tmpl, err := s.templates.Get(ctx, ChannelMail)
	if err != nil {
		return err
	}
	body := alert.Render(tmpl, p.Variables(), nil)

	msg := mail.NewV3Mail()
	msg.SetFrom(s.from)
	msg.Subject = p.Title
	personalization := mail.NewPersonalization()
	for _, addr := range addrs {
		personalization.AddTos(mail.NewEmail("", addr))
	}
	msg.AddPersonalizations(personalization)
	msg.AddContent(mail.NewContent("text/plain", body))

	resp, err := s.client.SendWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrDelivery, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: sendgrid returned %d: %s", models.ErrDelivery, resp.StatusCode, resp.Body)
	}
	return nil
}

func splitAddresses(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == ',' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
