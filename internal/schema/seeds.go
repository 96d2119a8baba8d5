package schema

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/neotoma-io/neotoma/internal/neoerr"
	"github.com/neotoma-io/neotoma/internal/storage"
	"github.com/neotoma-io/neotoma/internal/types"
)

// seedDebounce coalesces bursts of file events into one reload. Editors tend
// to fire several writes per save.
const seedDebounce = 500 * time.Millisecond

// SeedFile is the on-disk YAML format for schema seeds. Definitions without a
// user_id register into the shared registry.
type SeedFile struct {
	Schemas []*types.SchemaDefinition `yaml:"schemas"`
}

// LoadSeedFile parses one YAML seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInvalidInput, err, "read seed file %s", path)
	}
	var sf SeedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, neoerr.Wrap(neoerr.TagInvalidInput, err, "parse seed file %s", path)
	}
	return &sf, nil
}

// ApplySeeds registers every definition in the seed file that its owner has
// not registered yet. Seeds never update or replace an existing type; schema
// evolution only happens through incremental updates. Returns the number of
// definitions registered.
func (r *Registry) ApplySeeds(ctx context.Context, path string) (int, error) {
	sf, err := LoadSeedFile(path)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, def := range sf.Schemas {
		if def == nil {
			continue
		}
		existing, err := r.store.GetLatestSchemaDefinition(ctx, def.UserID, def.EntityType)
		switch {
		case err == nil && existing.UserID == def.UserID:
			r.log.Debug("schema seed already registered",
				zap.String("entity_type", def.EntityType),
				zap.String("version", existing.Version))
			continue
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return applied, neoerr.Wrap(neoerr.TagInternal, err, "check seed %s", def.EntityType)
		}
		if _, err := r.Register(ctx, def); err != nil {
			return applied, fmt.Errorf("seed %s: %w", def.EntityType, err)
		}
		applied++
	}
	return applied, nil
}

// ApplySeedDir applies every .yaml/.yml file under dir in name order. A
// missing directory is not an error; seeds are optional.
func (r *Registry) ApplySeedDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, neoerr.Wrap(neoerr.TagInternal, err, "read seed dir %s", dir)
	}
	applied := 0
	for _, entry := range entries {
		if entry.IsDir() || !isSeedFile(entry.Name()) {
			continue
		}
		n, err := r.ApplySeeds(ctx, filepath.Join(dir, entry.Name()))
		applied += n
		if err != nil {
			return applied, err
		}
	}
	return applied, nil
}

// Watch re-applies the seed directory whenever a YAML file in it changes.
// Blocks until ctx is done or the watcher closes. Reload failures are logged,
// not fatal; a half-edited file should not take the watcher down.
func (r *Registry) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return neoerr.Wrap(neoerr.TagInternal, err, "create seed watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return neoerr.Wrap(neoerr.TagInternal, err, "watch seed dir %s", dir)
	}
	r.log.Info("watching schema seeds", zap.String("dir", dir))

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !isSeedFile(filepath.Base(event.Name)) {
				continue
			}
			reload = time.After(seedDebounce)

		case <-reload:
			reload = nil
			n, err := r.ApplySeedDir(ctx, dir)
			if err != nil {
				r.log.Warn("reload schema seeds", zap.Error(err))
				continue
			}
			if n > 0 {
				r.log.Info("reloaded schema seeds", zap.Int("registered", n))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("schema seed watcher", zap.Error(err))
		}
	}
}

func isSeedFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
