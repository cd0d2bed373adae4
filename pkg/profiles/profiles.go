// Package profiles is the identity boundary: sender ids resolve to display
// names and avatars through an external collaborator. Failures degrade to a
// placeholder rather than blocking message rendering.
package profiles

import (
	"sync"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
)

// UnknownDisplayName is shown whenever a profile cannot be resolved.
const UnknownDisplayName = "Unknown User"

// Resolver resolves a set of participant ids to profiles. Ids missing from
// the result are rendered with UnknownDisplayName.
type Resolver interface {
	Resolve(ids []string) (map[string]models.Participant, error)
}

// DisplayName resolves a single id, degrading to the placeholder on any
// failure or miss.
func DisplayName(r Resolver, id string) string {
	if r == nil || id == "" {
		return UnknownDisplayName
	}
	out, err := r.Resolve([]string{id})
	if err != nil {
		logger.Warn("profile_resolve_failed", "id", id, "error", err)
		return UnknownDisplayName
	}
	p, ok := out[id]
	if !ok || p.DisplayName == "" {
		return UnknownDisplayName
	}
	return p.DisplayName
}

// Static is a fixed in-memory resolver, used in tests and local setups.
type Static map[string]models.Participant

func (s Static) Resolve(ids []string) (map[string]models.Participant, error) {
	out := make(map[string]models.Participant, len(ids))
	for _, id := range ids {
		if p, ok := s[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// Cached wraps a Resolver with a simple memoizing cache so directory
// listings do not re-resolve the same peers on every refresh.
type Cached struct {
	inner Resolver

	mu    sync.RWMutex
	cache map[string]models.Participant
}

// NewCached wraps the inner resolver with a cache.
func NewCached(inner Resolver) *Cached {
	return &Cached{inner: inner, cache: make(map[string]models.Participant)}
}

func (c *Cached) Resolve(ids []string) (map[string]models.Participant, error) {
	out := make(map[string]models.Participant, len(ids))
	var missing []string

	c.mu.RLock()
	for _, id := range ids {
		if p, ok := c.cache[id]; ok {
			out[id] = p
		} else {
			missing = append(missing, id)
		}
	}
	c.mu.RUnlock()

	if len(missing) == 0 {
		return out, nil
	}
	fetched, err := c.inner.Resolve(missing)
	if err != nil {
		// serve what the cache had; callers degrade the rest
		return out, err
	}
	c.mu.Lock()
	for id, p := range fetched {
		c.cache[id] = p
		out[id] = p
	}
	c.mu.Unlock()
	return out, nil
}
