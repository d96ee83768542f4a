package blocklist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/org/partnerlock/internal/accesserr"
	"github.com/org/partnerlock/internal/clock"
	"github.com/org/partnerlock/internal/storage"
	"github.com/org/partnerlock/pkg/models"
)

// stubGrants returns a fixed active grant, or none.
type stubGrants struct {
	grant *models.AccessGrant
}

func (s stubGrants) ActiveGrant(_ context.Context, requesterID string) (*models.AccessGrant, error) {
	if s.grant == nil || s.grant.RequesterID != requesterID {
		return nil, accesserr.ErrNotFound
	}
	return s.grant, nil
}

func newEngine(t *testing.T, g *models.AccessGrant, patterns ...string) *Engine {
	t.Helper()
	e := NewEngine(storage.NewMemoryBackend(), stubGrants{grant: g}, clock.Fake(time.Unix(0, 0)))
	if len(patterns) > 0 {
		if _, err := e.Set(context.Background(), "alice", patterns); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	return e
}

func TestMatchPath(t *testing.T) {
	cases := []struct {
		pattern, resource string
		want              bool
	}{
		{"social/instagram", "social/instagram", true},
		{"social/*", "social/instagram", true},
		{"social/*", "social/instagram/reels", false}, // * doesn't cross segments
		{"social/**", "social/instagram/reels", true},
		{"social/**", "social", true},
		{"social/**", "games/chess", false},
		{"*", "anything/here", true},
		{"/games/*", "games/chess", true},
	}
	for _, tc := range cases {
		if got := matchPath(tc.pattern, tc.resource); got != tc.want {
			t.Errorf("matchPath(%q, %q) = %v, want %v", tc.pattern, tc.resource, got, tc.want)
		}
	}
}

func TestCheckWithoutGrant(t *testing.T) {
	e := newEngine(t, nil, "social/**", "games/*")
	ctx := context.Background()

	d, err := e.Check(ctx, "alice", "social/instagram")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Protected || !d.Restricted || d.AccessActive {
		t.Errorf("unexpected decision %+v", d)
	}

	d, err = e.Check(ctx, "alice", "news/bbc")
	if err != nil {
		t.Fatal(err)
	}
	if d.Protected || d.Restricted {
		t.Errorf("unprotected resource restricted: %+v", d)
	}
}

func TestGrantWithoutResourceUnlocksEverything(t *testing.T) {
	g := &models.AccessGrant{ID: "g1", RequesterID: "alice"}
	e := newEngine(t, g, "social/**", "games/*")

	for _, r := range []string{"social/instagram", "games/chess"} {
		d, err := e.Check(context.Background(), "alice", r)
		if err != nil {
			t.Fatal(err)
		}
		if d.Restricted || d.GrantID != "g1" {
			t.Errorf("%s should be unlocked: %+v", r, d)
		}
	}
}

func TestGrantForOneResource(t *testing.T) {
	g := &models.AccessGrant{ID: "g1", RequesterID: "alice", Resource: "social/instagram"}
	e := newEngine(t, g, "social/**", "games/*")
	ctx := context.Background()

	d, _ := e.Check(ctx, "alice", "social/instagram")
	if d.Restricted {
		t.Errorf("granted resource still restricted: %+v", d)
	}
	d, _ = e.Check(ctx, "alice", "games/chess")
	if !d.Restricted || !d.AccessActive {
		t.Errorf("other resource should stay restricted: %+v", d)
	}
}

func TestSetRejectsBadPattern(t *testing.T) {
	e := newEngine(t, nil)
	_, err := e.Set(context.Background(), "alice", []string{"social/[abc"})
	if !errors.Is(err, ErrBadPattern) {
		t.Fatalf("expected ErrBadPattern, got %v", err)
	}
}

func TestSetNormalizesPatterns(t *testing.T) {
	e := newEngine(t, nil, " /social/** ", "social/**", "", "games/*")
	bl, err := e.Get(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(bl.Patterns) != 2 || bl.Patterns[0] != "social/**" || bl.Patterns[1] != "games/*" {
		t.Errorf("unexpected patterns %v", bl.Patterns)
	}
}

func TestGetEmpty(t *testing.T) {
	e := newEngine(t, nil)
	bl, err := e.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if len(bl.Patterns) != 0 {
		t.Errorf("expected no patterns, got %v", bl.Patterns)
	}
}
