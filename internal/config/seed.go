package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/issuesink/issuesink/internal/types"
)

// SeedPattern is one entry of the blacklist seed bundle, a TOML file a
// deployment can ship so well-known noise patterns exist before the first
// API call.
type SeedPattern struct {
	Pattern       string `toml:"pattern"`
	PatternType   string `toml:"pattern_type"`
	ApplicationID string `toml:"application_id"` // empty = global
	Reason        string `toml:"reason"`
}

// Seed is the decoded blacklist seed bundle.
type Seed struct {
	Patterns []SeedPattern `toml:"pattern"`
}

// LoadSeed decodes the TOML seed bundle at path.
func LoadSeed(path string) (*Seed, error) {
	var s Seed
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, fmt.Errorf("decode seed %s: %w", path, err)
	}
	for i, p := range s.Patterns {
		if p.Pattern == "" {
			return nil, fmt.Errorf("seed %s: pattern %d is empty", path, i)
		}
		if !types.PatternType(p.PatternType).IsValid() {
			return nil, fmt.Errorf("seed %s: pattern %d has invalid pattern_type %q", path, i, p.PatternType)
		}
	}
	return &s, nil
}

// ToBlacklistPattern converts a seed entry to the store's entity.
func (p SeedPattern) ToBlacklistPattern() *types.BlacklistPattern {
	bp := &types.BlacklistPattern{
		Pattern:     p.Pattern,
		PatternType: types.PatternType(p.PatternType),
		Reason:      p.Reason,
	}
	if p.ApplicationID != "" {
		app := p.ApplicationID
		bp.ApplicationID = &app
	}
	return bp
}

// WatchSeed watches the seed bundle and invokes apply with the re-decoded
// Seed on every write to it, until ctx ends. Decode failures are reported
// through onErr and the previous seed stays in effect. Blocks; callers run
// it in a goroutine.
func WatchSeed(ctx context.Context, path string, apply func(*Seed), onErr func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch seed: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save,
	// which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch seed dir: %w", err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			seed, err := LoadSeed(path)
			if err != nil {
				if onErr != nil {
					onErr(err)
				}
				continue
			}
			apply(seed)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if onErr != nil {
				onErr(err)
			}
		}
	}
}
