// Package embed implements the alternate resolution path: when the primary
// resolver is unavailable, playback falls back to an embeddable third-party
// player surface reached through an ordered chain of mirror domains.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vidway/vidway/internal/media"
)

// DefaultDomains is the built-in mirror chain, tried in order
var DefaultDomains = []string{
	"vidsrc.to",
	"vidsrc.me",
	"2embed.cc",
}

// ErrAllMirrorsFailed is the terminal failure after the chain is exhausted
var ErrAllMirrorsFailed = errors.New("no stream available: all embed mirrors failed")

// State is the controller's position in its lifecycle
type State int

const (
	StateIdle State = iota
	StateCreating
	StateReady
	StateAllFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreating:
		return "creating"
	case StateReady:
		return "ready"
	case StateAllFailed:
		return "all_failed"
	default:
		return "unknown"
	}
}

// Surface is a created embed player surface. Resize is a pass-through
// geometry update; Release frees the surface and must be idempotent-safe
// from the controller's point of view (the controller guarantees it is
// called at most once).
type Surface interface {
	Resize(width, height int)
	Release()
}

// Creator builds an embed surface from a mirror URL. A nil error means the
// mirror served a working player document.
type Creator interface {
	Create(ctx context.Context, url string) (Surface, error)
}

// Controller walks the mirror chain for one content identity at a time.
// Creation failures advance to the next domain; exhaustion is terminal for
// the identity. A new identity always restarts from the first domain.
type Controller struct {
	mu sync.Mutex

	domains []string
	creator Creator
	logger  *slog.Logger

	state    State
	index    int
	identity media.Identity
	catalog  string // catalog id used in the embed URL path
	surface  Surface
	released bool
}

// NewController creates an embed fallback controller over the given mirror
// domains (DefaultDomains when empty).
func NewController(domains []string, creator Creator, logger *slog.Logger) *Controller {
	if len(domains) == 0 {
		domains = DefaultDomains
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		domains: domains,
		creator: creator,
		logger:  logger,
		state:   StateIdle,
	}
}

// buildURL derives the embed URL for a domain and identity
func buildURL(domain, catalogID string, id media.Identity) string {
	if id.IsTV() {
		return fmt.Sprintf("https://%s/embed/tv/%s/%d/%d", domain, catalogID, id.Season, id.Episode)
	}
	return fmt.Sprintf("https://%s/embed/movie/%s", domain, catalogID)
}

// Load creates an embed surface for the identity, cycling through mirror
// domains until one succeeds. A changed identity resets the chain to the
// first domain; the domain index never carries over across distinct
// content. Returns the serving domain on success, ErrAllMirrorsFailed once
// the chain is exhausted.
func (c *Controller) Load(ctx context.Context, catalogID string, id media.Identity) (string, error) {
	c.mu.Lock()
	if c.identity != id || c.catalog != catalogID || c.state == StateIdle || c.state == StateAllFailed {
		c.index = 0
		c.identity = id
		c.catalog = catalogID
	}
	if c.surface != nil {
		c.surface.Release()
		c.surface = nil
	}
	c.state = StateCreating
	start := c.index
	c.mu.Unlock()

	for i := start; i < len(c.domains); i++ {
		domain := c.domains[i]
		url := buildURL(domain, catalogID, id)

		surface, err := c.creator.Create(ctx, url)
		if err != nil {
			c.logger.Warn("embed mirror failed",
				"domain", domain, "identity", id.String(), "error", err)
			c.mu.Lock()
			c.index = i + 1
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		c.surface = surface
		c.index = i
		c.state = StateReady
		c.released = false
		c.mu.Unlock()

		c.logger.Info("embed surface ready", "domain", domain, "identity", id.String())
		return domain, nil
	}

	c.mu.Lock()
	c.state = StateAllFailed
	c.mu.Unlock()
	return "", ErrAllMirrorsFailed
}

// Resize forwards a geometry update to the surface. Only meaningful while
// Ready; otherwise it is dropped without a state transition.
func (c *Controller) Resize(width, height int) {
	c.mu.Lock()
	surface := c.surface
	ready := c.state == StateReady
	c.mu.Unlock()

	if ready && surface != nil {
		surface.Resize(width, height)
	}
}

// Teardown releases the embedded surface from any state, exactly once.
// Safe to call repeatedly and before any Load.
func (c *Controller) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return
	}
	c.released = true
	if c.surface != nil {
		c.surface.Release()
		c.surface = nil
	}
	c.state = StateIdle
	c.index = 0
}

// State returns the controller's current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Domain returns the mirror currently serving, if Ready
func (c *Controller) Domain() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady {
		return "", false
	}
	return c.domains[c.index], true
}
