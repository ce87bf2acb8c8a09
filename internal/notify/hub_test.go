package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/moniwatch/moniwatch/internal/alert"
	"github.com/moniwatch/moniwatch/internal/models"
	"github.com/moniwatch/moniwatch/internal/storage"
	"github.com/rs/zerolog"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAlerts struct {
	mu   sync.Mutex
	sent []alert.Message
	err  error
}

func (f *fakeAlerts) Send(_ context.Context, msg alert.Message) (*alert.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.err != nil {
		return nil, f.err
	}
	return &alert.Delivery{}, nil
}

type fakeMail struct {
	sent   []*mail.SGMailV3
	status int
	err    error
}

func (f *fakeMail) SendWithContext(_ context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	f.sent = append(f.sent, email)
	if f.err != nil {
		return nil, f.err
	}
	return &rest.Response{StatusCode: f.status, Body: "denied"}, nil
}

func testPush() *Push {
	return &Push{
		Asid:     "A-1",
		Title:    "Disk full",
		Descr:    "db01 at 97%",
		Reporter: "nagios",
		TgID:     "ops",
		MailAddr: "a@example.com; b@example.com",
		Time:     time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC),
	}
}

func TestParseTypes(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"log", []string{"log"}},
		{"log/tg/mail", []string{"log", "tg", "mail"}},
		{"tg, MAIL", []string{"tg", "mail"}},
		{"tg/tg", []string{"tg"}},
		{"", []string{}},
		{"//", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseTypes(tt.raw))
		})
	}
}

func TestPush_Variables(t *testing.T) {
	vars := testPush().Variables()
	assert.Equal(t, "2024-02-03 04:05:06", vars["time"])
	assert.Equal(t, "nagios", vars["reporter"])
	assert.Equal(t, "", vars["remark"])
}

func TestHub_Dispatch(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.Register("broken", SenderFunc(func(context.Context, *Push) error {
		return errors.New("smtp down")
	}))

	results := hub.Dispatch(context.Background(), []string{"log", "broken", "fax"}, testPush())
	require.Len(t, results, 3)
	assert.True(t, results["log"].OK)
	assert.False(t, results["broken"].OK)
	assert.Equal(t, "smtp down", results["broken"].Message)
	assert.False(t, results["fax"].OK)
	assert.Contains(t, results["fax"].Message, "unsupported push type")
}

func TestTemplates(t *testing.T) {
	store := storage.NewMemoryStore()
	tmpls := NewTemplates(store)
	ctx := context.Background()

	got, err := tmpls.Get(ctx, ChannelTelegram)
	require.NoError(t, err)
	assert.Equal(t, DefaultTelegramTemplate, got)

	require.NoError(t, tmpls.Set(ctx, ChannelTelegram, "{title} by {reporter}"))
	got, err = tmpls.Get(ctx, ChannelTelegram)
	require.NoError(t, err)
	assert.Equal(t, "{title} by {reporter}", got)

	v, err := store.GetConfig(ctx, "webhook.template.tg")
	require.NoError(t, err)
	assert.Equal(t, "{title} by {reporter}", v)
}

func TestTelegramSender(t *testing.T) {
	store := storage.NewMemoryStore()
	tmpls := NewTemplates(store)
	require.NoError(t, tmpls.Set(context.Background(), ChannelTelegram, "{title}"))
	alerts := &fakeAlerts{}
	s := NewTelegramSender(alerts, tmpls)

	require.NoError(t, s.Send(context.Background(), testPush()))
	require.Len(t, alerts.sent, 1)
	msg := alerts.sent[0]
	assert.Equal(t, "ops", msg.ChannelRef)
	assert.Equal(t, "{title}", msg.Template)
	assert.True(t, msg.Webhook)
	assert.Equal(t, "Disk full", msg.Vars["title"])

	p := testPush()
	p.TgID = ""
	assert.ErrorIs(t, s.Send(context.Background(), p), ErrMissingTarget)

	alerts.err = models.ErrChannelNotConfigured
	assert.ErrorIs(t, s.Send(context.Background(), testPush()), models.ErrChannelNotConfigured)
}

func TestMailSender(t *testing.T) {
	tmpls := NewTemplates(storage.NewMemoryStore())
	require.NoError(t, tmpls.Set(context.Background(), ChannelMail, "{descr} ({asid})"))
	client := &fakeMail{status: 202}
	s := NewMailSenderWithClient(client, MailConfig{FromAddr: "noreply@example.com"}, tmpls)

	require.NoError(t, s.Send(context.Background(), testPush()))
	require.Len(t, client.sent, 1)
	msg := client.sent[0]
	assert.Equal(t, "Disk full", msg.Subject)
	assert.Equal(t, "noreply@example.com", msg.From.Address)
	assert.Equal(t, "moniwatch", msg.From.Name)
	require.Len(t, msg.Personalizations, 1)
	require.Len(t, msg.Personalizations[0].To, 2)
	assert.Equal(t, "b@example.com", msg.Personalizations[0].To[1].Address)
	require.Len(t, msg.Content, 1)
	assert.Equal(t, "db01 at 97% (A-1)", msg.Content[0].Value)
}

func TestMailSender_Failures(t *testing.T) {
	tmpls := NewTemplates(storage.NewMemoryStore())

	client := &fakeMail{status: 401}
	s := NewMailSenderWithClient(client, MailConfig{FromAddr: "noreply@example.com"}, tmpls)
	err := s.Send(context.Background(), testPush())
	assert.ErrorIs(t, err, models.ErrDelivery)
	assert.Contains(t, err.Error(), "401")

	client = &fakeMail{err: errors.New("dial tcp: refused")}
	s = NewMailSenderWithClient(client, MailConfig{FromAddr: "noreply@example.com"}, tmpls)
	assert.ErrorIs(t, s.Send(context.Background(), testPush()), models.ErrDelivery)

	p := testPush()
	p.MailAddr = " ; "
	assert.ErrorIs(t, s.Send(context.Background(), p), ErrMissingTarget)
}
