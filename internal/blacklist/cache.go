// Package blacklist implements the Blacklist Cache (spec §4.3): an
// in-memory, TTL-and-mutation-refreshed pattern index consulted by the
// Admission Pipeline before any issue is persisted.
package blacklist

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/issuesink/issuesink/internal/store"
	"github.com/issuesink/issuesink/internal/types"
)

// Match describes a blocked admission: the pattern that matched and why.
type Match struct {
	Pattern *types.BlacklistPattern
	Reason  string
}

// compiled pairs a pattern with its precompiled regexp, built once per
// refresh rather than per match (internal/storage/sqlite/blocked_cache.go's
// rebuild-not-incremental strategy: rebuild is fast, simpler, and
// guarantees consistency).
type compiled struct {
	pattern *types.BlacklistPattern
	re      *regexp.Regexp // nil unless pattern_type == regex and it compiled
}

// Cache is the Blacklist Cache singleton (spec §4.3, §5 "package as an
// explicit long-lived value, avoid hidden process-wide state").
type Cache struct {
	store store.Store
	ttl   time.Duration

	mu      sync.RWMutex
	global  []compiled
	scoped  map[string][]compiled
	builtAt time.Time

	onBadPattern func(p *types.BlacklistPattern, err error)
}

// New constructs a Cache. ttl <= 0 falls back to the spec default of 5
// minutes.
func New(s store.Store, ttl time.Duration, onBadPattern func(p *types.BlacklistPattern, err error)) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		store:        s,
		ttl:          ttl,
		scoped:       make(map[string][]compiled),
		onBadPattern: onBadPattern,
	}
}

// Refresh rebuilds the cache from the store unconditionally. Called on
// startup and after every mutation (spec §4.3 "Refresh").
func (c *Cache) Refresh(ctx context.Context) error {
	patterns, err := c.store.AllBlacklist(ctx)
	if err != nil {
		return fmt.Errorf("blacklist refresh: %w", err)
	}

	global := make([]compiled, 0)
	scoped := make(map[string][]compiled)
	for _, p := range patterns {
		cp := c.compile(p)
		if p.IsGlobal() {
			global = append(global, cp)
			continue
		}
		scoped[*p.ApplicationID] = append(scoped[*p.ApplicationID], cp)
	}

	c.mu.Lock()
	c.global = global
	c.scoped = scoped
	c.builtAt = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Cache) compile(p *types.BlacklistPattern) compiled {
	cp := compiled{pattern: p}
	if p.PatternType == types.PatternRegex {
		re, err := regexp.Compile("(?i)" + p.Pattern)
		if err != nil {
			if c.onBadPattern != nil {
				c.onBadPattern(p, err)
			}
			return cp // re stays nil: an ill-formed pattern never matches
		}
		cp.re = re
	}
	return cp
}

// ensureFresh lazily refreshes on first use and whenever the TTL has
// elapsed, matching spec §4.3's "on startup... and on elapsed TTL".
func (c *Cache) ensureFresh(ctx context.Context) error {
	c.mu.RLock()
	stale := c.builtAt.IsZero() || time.Since(c.builtAt) >= c.ttl
	c.mu.RUnlock()
	if !stale {
		return nil
	}
	return c.Refresh(ctx)
}

// Check reports whether message is blocked for applicationID: global
// patterns are scanned first, then application-scoped ones, each in
// insertion order, returning on first match (spec §4.3 "Match semantics").
func (c *Cache) Check(ctx context.Context, applicationID, message string) (*Match, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	global := c.global
	scoped := c.scoped[applicationID]
	c.mu.RUnlock()

	if m := firstMatch(global, message); m != nil {
		return m, nil
	}
	return firstMatch(scoped, message), nil
}

func firstMatch(list []compiled, message string) *Match {
	for _, cp := range list {
		if patternMatches(cp, message) {
			return &Match{Pattern: cp.pattern, Reason: cp.pattern.Reason}
		}
	}
	return nil
}

func patternMatches(cp compiled, message string) bool {
	switch cp.pattern.PatternType {
	case types.PatternExact:
		return message == cp.pattern.Pattern
	case types.PatternSubstring:
		return strings.Contains(strings.ToLower(message), strings.ToLower(cp.pattern.Pattern))
	case types.PatternRegex:
		return cp.re != nil && cp.re.MatchString(message)
	default:
		return false
	}
}
