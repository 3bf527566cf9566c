package collab

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Option is a candidate identity for an autocomplete field (supervisor,
// technician, assignee).
type Option struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Account string `json:"account"`
}

// RecordContext scopes an options lookup to a record: candidate technicians
// are filtered by the record's department and price-list association.
type RecordContext struct {
	RecordID   RecordID
	Department string
}

// OptionsSource fetches ranked candidate identities for autocomplete fields.
// Implementations are side-effect-free and possibly slow reads.
type OptionsSource interface {
	Candidates(ctx context.Context, rc RecordContext) ([]Option, error)
}

// CachedOptions decorates an OptionsSource with a last-good-list fallback: a
// failed refresh degrades to the previously fetched candidates instead of
// blocking entry into edit mode.
type CachedOptions struct {
	source OptionsSource

	mu   sync.RWMutex
	last map[RecordContext][]Option
}

func NewCachedOptions(source OptionsSource) *CachedOptions {
	return &CachedOptions{
		source: source,
		last:   make(map[RecordContext][]Option),
	}
}

func (c *CachedOptions) Candidates(ctx context.Context, rc RecordContext) ([]Option, error) {
	opts, err := c.source.Candidates(ctx, rc)
	if err == nil {
		c.mu.Lock()
		c.last[rc] = opts
		c.mu.Unlock()
		return opts, nil
	}

	c.mu.RLock()
	cached, ok := c.last[rc]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}
	return nil, errors.Wrap(err, "options lookup failed with no cached fallback")
}

// UnmatchedPolicy decides what a commit does when typed autocomplete text
// matches no fetched candidate.
type UnmatchedPolicy uint8

const (
	// UnmatchedReject fails the commit before any write is attempted so a
	// display name never persists without its backing id. This is the
	// default.
	UnmatchedReject UnmatchedPolicy = iota
	// UnmatchedPreserve persists the typed text verbatim and clears the
	// backing id, for deployments that clean such rows up manually.
	UnmatchedPreserve
)

// ErrUnmatchedOption is returned by a commit under UnmatchedReject when the
// typed text resolves to no candidate.
var ErrUnmatchedOption = errors.New("collab: typed text matches no candidate option")

// ResolveOption matches free-typed display text against a candidate list,
// recovering the stable identifier to persist. Matching is by trimmed name,
// exact first, then case-insensitive.
func ResolveOption(options []Option, typed string) (Option, bool) {
	typed = strings.TrimSpace(typed)
	if typed == "" {
		return Option{}, false
	}
	for _, o := range options {
		if o.Name == typed {
			return o, true
		}
	}
	for _, o := range options {
		if strings.EqualFold(o.Name, typed) {
			return o, true
		}
	}
	return Option{}, false
}
