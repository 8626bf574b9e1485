package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/elonfeng/insightradar/internal/apperr"
	"github.com/elonfeng/insightradar/internal/store"
	"github.com/elonfeng/insightradar/pkg/platform"
)

type fakePlatform struct {
	platform.Platform
	channels map[string]platform.ChannelInfo
	resolved int
}

func (f *fakePlatform) ResolveChannel(ctx context.Context, username string) (platform.ChannelInfo, error) {
	f.resolved++
	info, ok := f.channels[username]
	if !ok {
		return platform.ChannelInfo{}, platform.ErrNotFound
	}
	return info, nil
}

func newRegistry(t *testing.T) (*Registry, *fakePlatform) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	p := &fakePlatform{channels: map[string]platform.ChannelInfo{
		"durov":      {ID: "1006503122", Username: "durov", Title: "Durov's Channel"},
		"marketnews": {ID: "2001", Username: "MarketNews", Title: "Market News"},
		"renamed":    {ID: "1006503122", Username: "durov_old", Title: "Same channel"},
	}}
	return New(st, p), p
}

func TestNormalizeUsername(t *testing.T) {
	cases := map[string]string{
		"@durov":              "durov",
		"https://t.me/durov":  "durov",
		"HTTPS://T.ME/durov/": "durov",
		"t.me/durov":          "durov",
		"  durov ":            "durov",
		"https://t.me/@durov": "durov",
		"":                    "",
	}
	for in, want := range cases {
		if got := NormalizeUsername(in); got != want {
			t.Errorf("NormalizeUsername(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAddChannel(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	ch, err := r.AddChannel(ctx, "https://t.me/durov")
	if err != nil {
		t.Fatal(err)
	}
	if ch.ID == 0 || !ch.IsActive || ch.PlatformChannelID != "1006503122" || ch.DisplayName != "Durov's Channel" {
		t.Fatalf("channel: %+v", ch)
	}

	// canonical username from the platform is stored
	ch, err = r.AddChannel(ctx, "@marketnews")
	if err != nil || ch.Username != "MarketNews" {
		t.Fatalf("canonical username: %+v %v", ch, err)
	}

	list, _ := r.ListChannels(ctx)
	if len(list) != 2 || list[0].Username != "durov" {
		t.Fatalf("list: %+v", list)
	}
}

func TestAddChannelRejections(t *testing.T) {
	r, p := newRegistry(t)
	ctx := context.Background()
	if _, err := r.AddChannel(ctx, "durov"); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		in   string
		want error
	}{
		{"empty", "  @ ", apperr.ErrValidation},
		{"short", "@abc", apperr.ErrValidation},
		{"bad characters", "news feed", apperr.ErrValidation},
		{"unknown", "nosuchchannel", apperr.ErrNotFound},
		{"same username", "@DUROV", apperr.ErrDuplicate},
		{"same platform id", "renamed", apperr.ErrDuplicate},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := r.AddChannel(ctx, c.in); !errors.Is(err, c.want) {
				t.Fatalf("AddChannel(%q): got %v, want %v", c.in, err, c.want)
			}
		})
	}

	before := p.resolved
	r.AddChannel(ctx, "durov")
	if p.resolved != before {
		t.Fatal("known username must be rejected before calling the platform")
	}
}

func TestSetActive(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	ch, _ := r.AddChannel(ctx, "durov")

	for i := 0; i < 2; i++ {
		got, err := r.SetActive(ctx, ch.ID, false)
		if err != nil || got.IsActive {
			t.Fatalf("disable #%d: %+v %v", i, got, err)
		}
	}
	got, err := r.SetActive(ctx, ch.ID, true)
	if err != nil || !got.IsActive {
		t.Fatalf("enable: %+v %v", got, err)
	}
	if _, err := r.SetActive(ctx, 404, true); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown id: %v", err)
	}
}
