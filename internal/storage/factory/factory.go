// Package factory builds the storage registry described by the
// configuration.
package factory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/appfs/internal/config"
	"github.com/fruitsalade/appfs/internal/events"
	"github.com/fruitsalade/appfs/internal/logging"
	"github.com/fruitsalade/appfs/internal/storage"
	"github.com/fruitsalade/appfs/internal/storage/kv"
	"github.com/fruitsalade/appfs/internal/storage/memory"
	"github.com/fruitsalade/appfs/internal/storage/postgres"
	"github.com/fruitsalade/appfs/internal/storage/remote"
	"github.com/fruitsalade/appfs/internal/storage/s3"
)

// Build opens every configured file system and registers it. Routers are
// built last so that their delegates are resolvable. On failure everything
// opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, pub events.Publisher) (*storage.Registry, error) {
	reg := storage.NewRegistry()

	var routers []string
	for _, name := range cfg.FileSystemNames() {
		if cfg.FileSystems[name].Type == config.TypeRouter {
			routers = append(routers, name)
			continue
		}
		if err := open(ctx, reg, cfg, name, pub); err != nil {
			reg.Close()
			return nil, err
		}
	}

	for _, name := range routers {
		var rc storage.RouterConfig
		if err := cfg.Decode(name, &rc); err != nil {
			reg.Close()
			return nil, err
		}
		r, err := storage.NewRouter(reg, rc, pub)
		if err == nil {
			err = reg.Register(name, r)
		}
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("file system %s: %w", name, err)
		}
	}

	logging.Info("storage registry ready", zap.Strings("file_systems", reg.Names()))
	return reg, nil
}

func open(ctx context.Context, reg *storage.Registry, cfg *config.Config, name string, pub events.Publisher) error {
	typ := cfg.FileSystems[name].Type
	log := logging.L().With(zap.String("file_system", name), zap.String("type", typ))

	var b storage.Backend
	switch typ {
	case config.TypeMemory:
		b = memory.New(name, pub)

	case config.TypeKV:
		var c kv.Config
		if err := cfg.Decode(name, &c); err != nil {
			return err
		}
		kb, err := kv.NewFromConfig(ctx, c, name, pub)
		if err != nil {
			return fmt.Errorf("file system %s: %w", name, err)
		}
		b = kb

	case config.TypePostgres:
		var c postgres.Config
		if err := cfg.Decode(name, &c); err != nil {
			return err
		}
		pb, err := postgres.Open(ctx, c, name, pub)
		if err != nil {
			return fmt.Errorf("file system %s: %w", name, err)
		}
		b = pb

	case config.TypeRemote:
		var c remote.Config
		if err := cfg.Decode(name, &c); err != nil {
			return err
		}
		rb, err := remote.New(ctx, name, c, pub)
		if err != nil {
			return fmt.Errorf("file system %s: %w", name, err)
		}
		b = rb

	case config.TypeS3:
		var c s3.Config
		if err := cfg.Decode(name, &c); err != nil {
			return err
		}
		store, err := s3.NewFromConfig(ctx, c, name)
		if err != nil {
			return fmt.Errorf("file system %s: %w", name, err)
		}
		log.Info("data store opened")
		return reg.RegisterDataStore(name, store)

	default:
		return fmt.Errorf("%w: file system %s has unknown type %q", storage.ErrInvalidArgument, name, typ)
	}

	if err := reg.Register(name, b); err != nil {
		b.Close()
		return err
	}
	log.Info("file system opened")
	return nil
}
