package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/moniwatch/moniwatch/internal/models"
	"github.com/moniwatch/moniwatch/internal/storage"
)

// GroupKeyPrefix prefixes chat-group entries in the config store.
const GroupKeyPrefix = "telegram.group."

// GroupKey returns the config key of a chat-group reference.
func GroupKey(ref string) string {
	return GroupKeyPrefix + ref
}

// Channel is a resolved chat destination.
type Channel struct {
	Token  string `json:"-"`
	ChatID string `json:"chat_id"`
}

// ChannelResolver turns a chat-group reference into a destination.
type ChannelResolver interface {
	Resolve(ctx context.Context, ref string, webhook bool) (Channel, error)
}

// ParseChannel parses a "token;chatId" group value. Webhook pushes also
// accept "webhookToken;jobToken;chatId" and use the webhook token.
func ParseChannel(raw string, webhook bool) (Channel, error) {
	parts := strings.Split(strings.TrimSpace(raw), ";")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	var ch Channel
	switch {
	case len(parts) == 2:
		ch = Channel{Token: parts[0], ChatID: parts[1]}
	case len(parts) == 3 && webhook:
		ch = Channel{Token: parts[0], ChatID: parts[2]}
	default:
		return Channel{}, fmt.Errorf("%w: expected token;chatId, got %d fields", models.ErrChannelMisconfigured, len(parts))
	}
	if ch.Token == "" || ch.ChatID == "" {
		return Channel{}, fmt.Errorf("%w: empty token or chat id", models.ErrChannelMisconfigured)
	}
	return ch, nil
}

// ConfigResolver reads chat groups from the configuration store.
type ConfigResolver struct {
	store    storage.ConfigStore
	override *Channel
}

// NewConfigResolver creates a resolver. A non-nil override routes every
// message to one destination, which is how test environments are isolated.
func NewConfigResolver(store storage.ConfigStore, override *Channel) *ConfigResolver {
	return &ConfigResolver{store: store, override: override}
}

// Resolve looks up ref.
func (r *ConfigResolver) Resolve(ctx context.Context, ref string, webhook bool) (Channel, error) {
	if r.override != nil {
		return *r.override, nil
	}
	if strings.TrimSpace(ref) == "" {
		return Channel{}, fmt.Errorf("%w: empty channel reference", models.ErrChannelNotConfigured)
	}

	raw, err := r.store.GetConfig(ctx, GroupKey(ref))
	if errors.Is(err, models.ErrConfigNotFound) || (err == nil && strings.TrimSpace(raw) == "") {
		return Channel{}, fmt.Errorf("%w: %q", models.ErrChannelNotConfigured, ref)
	}
	if err != nil {
		return Channel{}, fmt.Errorf("failed to read channel %q: %w", ref, err)
	}
	return ParseChannel(raw, webhook)
}
