// Package blocklist decides whether a resource is currently restricted for
// a requester: protected by one of their patterns and not covered by an
// active grant.
package blocklist

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/org/partnerlock/internal/accesserr"
	"github.com/org/partnerlock/internal/clock"
	"github.com/org/partnerlock/internal/storage"
	"github.com/org/partnerlock/pkg/models"
)

// ErrBadPattern is returned for patterns path.Match cannot parse.
var ErrBadPattern = errors.New("invalid resource pattern")

// Grants is the minimal interface the Engine needs from the grant controller.
type Grants interface {
	ActiveGrant(ctx context.Context, requesterID string) (*models.AccessGrant, error)
}

// Engine evaluates protected resource patterns against active grants.
type Engine struct {
	store  storage.BlockListStore
	grants Grants
	clock  clock.Clock
}

// NewEngine creates a new Engine backed by the given storage.
func NewEngine(store storage.BlockListStore, grants Grants, clk clock.Clock) *Engine {
	return &Engine{store: store, grants: grants, clock: clk}
}

// Decision is the outcome of Check.
type Decision struct {
	RequesterID  string `json:"requester_id"`
	Resource     string `json:"resource"`
	Protected    bool   `json:"protected"`
	AccessActive bool   `json:"access_active"`
	Restricted   bool   `json:"restricted"`
	GrantID      string `json:"grant_id,omitempty"`
}

// Set replaces the requester's patterns.
func (e *Engine) Set(ctx context.Context, requesterID string, patterns []string) (*models.BlockList, error) {
	clean := make([]string, 0, len(patterns))
	seen := map[string]bool{}
	for _, p := range patterns {
		p = strings.TrimPrefix(strings.TrimSpace(p), "/")
		if p == "" || seen[p] {
			continue
		}
		if _, err := path.Match(strings.ReplaceAll(p, "**", "*"), ""); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadPattern, p)
		}
		seen[p] = true
		clean = append(clean, p)
	}
	bl := &models.BlockList{
		RequesterID: requesterID,
		Patterns:    clean,
		UpdatedAt:   e.clock.Now().UTC(),
	}
	if err := e.store.SetBlockList(ctx, bl); err != nil {
		return nil, fmt.Errorf("storing block list: %w", err)
	}
	return bl, nil
}

// Get returns the requester's patterns; a requester with none gets an empty list.
func (e *Engine) Get(ctx context.Context, requesterID string) (*models.BlockList, error) {
	bl, err := e.store.GetBlockList(ctx, requesterID)
	if errors.Is(err, storage.ErrNotFound) {
		return &models.BlockList{RequesterID: requesterID, Patterns: []string{}}, nil
	}
	return bl, err
}

// Check reports whether resource is restricted for the requester right now.
func (e *Engine) Check(ctx context.Context, requesterID, resource string) (Decision, error) {
	d := Decision{RequesterID: requesterID, Resource: resource}

	bl, err := e.Get(ctx, requesterID)
	if err != nil {
		return d, err
	}
	for _, pattern := range bl.Patterns {
		if matchPath(pattern, resource) {
			d.Protected = true
			break
		}
	}

	g, err := e.grants.ActiveGrant(ctx, requesterID)
	switch {
	case errors.Is(err, accesserr.ErrNotFound):
	case err != nil:
		return d, err
	default:
		d.AccessActive = true
		if covers(g, resource) {
			d.GrantID = g.ID
		}
	}

	d.Restricted = d.Protected && d.GrantID == ""
	return d, nil
}

// covers reports whether g unlocks resource. A grant for no particular
// resource unlocks everything.
func covers(g *models.AccessGrant, resource string) bool {
	return g.Resource == "" || matchPath(g.Resource, resource)
}

// matchPath matches resource against a glob pattern:
//   - "social/*"  matches one additional segment
//   - "social/**" matches any number of segments (including zero)
//   - "*"         matches everything
func matchPath(pattern, resource string) bool {
	pattern = strings.TrimPrefix(pattern, "/")
	resource = strings.TrimPrefix(resource, "/")

	if pattern == "*" {
		return true
	}

	if strings.Contains(pattern, "**") {
		parts := strings.SplitN(pattern, "**", 2)
		prefix, suffix := parts[0], parts[1]
		if !strings.HasPrefix(resource, prefix) {
			return resource+"/" == prefix
		}
		rest := resource[len(prefix):]
		if suffix == "" || suffix == "/" {
			return true
		}
		return strings.HasSuffix(rest, strings.TrimPrefix(suffix, "/"))
	}

	matched, err := path.Match(pattern, resource)
	return err == nil && matched
}
