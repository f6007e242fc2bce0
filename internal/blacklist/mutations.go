package blacklist

import (
	"context"
	"fmt"

	"github.com/issuesink/issuesink/internal/store"
	"github.com/issuesink/issuesink/internal/types"
)

// Manager wraps the store's blacklist CRUD with the cache-refresh and
// auto-delete side effects spec §4.3 requires of every mutation. It is the
// only thing the HTTP layer calls for blacklist writes; Cache itself stays
// read-only.
type Manager struct {
	store      store.Store
	cache      *Cache
	autoDelete bool
}

func NewManager(s store.Store, cache *Cache, autoDelete bool) *Manager {
	return &Manager{store: s, cache: cache, autoDelete: autoDelete}
}

func (m *Manager) Create(ctx context.Context, p *types.BlacklistPattern) (*types.BlacklistPattern, error) {
	created, err := m.store.CreateBlacklist(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := m.afterMutation(ctx, created); err != nil {
		return created, err
	}
	return created, nil
}

func (m *Manager) Update(ctx context.Context, p *types.BlacklistPattern) (*types.BlacklistPattern, error) {
	updated, err := m.store.UpdateBlacklist(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := m.afterMutation(ctx, updated); err != nil {
		return updated, err
	}
	return updated, nil
}

func (m *Manager) Delete(ctx context.Context, id int64) error {
	if err := m.store.DeleteBlacklist(ctx, id); err != nil {
		return err
	}
	return m.cache.Refresh(ctx)
}

func (m *Manager) Clear(ctx context.Context) error {
	if err := m.store.ClearBlacklist(ctx); err != nil {
		return err
	}
	return m.cache.Refresh(ctx)
}

// afterMutation refreshes the cache and, if auto-delete is enabled and the
// pattern is application-scoped, closes matching issues of that
// application. Global auto-delete is deliberately unimplemented (spec §4.3,
// §9 decision D.3): it would force a full cross-application scan on every
// global pattern write.
func (m *Manager) afterMutation(ctx context.Context, p *types.BlacklistPattern) error {
	if err := m.cache.Refresh(ctx); err != nil {
		return err
	}
	if !m.autoDelete || p.IsGlobal() {
		return nil
	}
	return m.autoDeleteMatching(ctx, *p.ApplicationID, p)
}

func (m *Manager) autoDeleteMatching(ctx context.Context, appID string, p *types.BlacklistPattern) error {
	cp := m.cache.compile(p)

	issues, err := m.store.ListAll(ctx, appID)
	if err != nil {
		return fmt.Errorf("auto-delete: list issues: %w", err)
	}
	for _, iss := range issues {
		if iss.State == types.StatusClosed {
			continue
		}
		if !patternMatches(cp, iss.Message) {
			continue
		}
		if _, _, err := m.store.CloseIssue(ctx, appID, iss.ID); err != nil {
			return fmt.Errorf("auto-delete: close %s: %w", iss.ID, err)
		}
	}
	return nil
}
