// Package registry tracks the channels that are monitored.
package registry

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/elonfeng/insightradar/internal/apperr"
	"github.com/elonfeng/insightradar/internal/logging"
	"github.com/elonfeng/insightradar/internal/store"
	"github.com/elonfeng/insightradar/pkg/platform"
)

// MinUsernameLength is the shortest public username the platform allows.
const MinUsernameLength = 5

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

var linkPrefixes = []string{"https://t.me/", "http://t.me/", "t.me/", "@"}

// Registry adds channels after confirming they exist on the platform.
type Registry struct {
	store    store.Store
	platform platform.Platform
}

func New(st store.Store, p platform.Platform) *Registry {
	return &Registry{store: st, platform: p}
}

// NormalizeUsername strips link prefixes, a leading @ and a trailing slash.
func NormalizeUsername(raw string) string {
	u := strings.TrimSpace(raw)
	for _, prefix := range linkPrefixes {
		if len(u) >= len(prefix) && strings.EqualFold(u[:len(prefix)], prefix) {
			u = u[len(prefix):]
		}
	}
	return strings.TrimSuffix(u, "/")
}

// AddChannel registers a public channel as active.
func (r *Registry) AddChannel(ctx context.Context, raw string) (*store.Channel, error) {
	username := NormalizeUsername(raw)
	if username == "" {
		return nil, apperr.Validation("username is required")
	}
	if len(username) < MinUsernameLength {
		return nil, apperr.Validation("username %q is shorter than %d characters", username, MinUsernameLength)
	}
	if !usernamePattern.MatchString(username) {
		return nil, apperr.Validation("username %q contains invalid characters", username)
	}

	if existing, err := r.store.FindChannel(ctx, "", username); err == nil {
		return nil, apperr.Duplicate("channel @%s is already registered (id %d)", existing.Username, existing.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	info, err := r.platform.ResolveChannel(ctx, username)
	if errors.Is(err, platform.ErrNotFound) {
		return nil, apperr.NotFound("channel @%s does not exist or is not public", username)
	}
	if err != nil {
		return nil, err
	}
	if info.Username != "" {
		username = info.Username
	}

	if existing, err := r.store.FindChannel(ctx, info.ID, username); err == nil {
		return nil, apperr.Duplicate("channel @%s is already registered (id %d)", existing.Username, existing.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	ch := &store.Channel{
		PlatformChannelID: info.ID,
		Username:          username,
		DisplayName:       info.Title,
		IsActive:          true,
	}
	if err := r.store.CreateChannel(ctx, ch); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Duplicate("channel @%s is already registered", username)
		}
		return nil, err
	}
	logging.Info("channel_added", map[string]any{
		"channel_id":          ch.ID,
		"username":            ch.Username,
		"platform_channel_id": ch.PlatformChannelID,
	})
	return ch, nil
}

// SetActive toggles collection for a channel. Setting the current state
// again is a no-op.
func (r *Registry) SetActive(ctx context.Context, id int64, active bool) (*store.Channel, error) {
	ch, err := r.store.SetChannelActive(ctx, id, active)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("channel %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	logging.Info("channel_toggled", map[string]any{"channel_id": id, "is_active": active})
	return ch, nil
}

func (r *Registry) ListChannels(ctx context.Context) ([]store.Channel, error) {
	return r.store.ListChannels(ctx, false)
}

// Channel returns one registered channel.
func (r *Registry) Channel(ctx context.Context, id int64) (*store.Channel, error) {
	ch, err := r.store.GetChannel(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("channel %d not found", id)
	}
	return ch, err
}
