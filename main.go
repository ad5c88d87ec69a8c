package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dropwire/dropwire/internal/app"
	"github.com/dropwire/dropwire/internal/changelog"
	"github.com/dropwire/dropwire/internal/checkpoint"
	"github.com/dropwire/dropwire/internal/config"
	"github.com/dropwire/dropwire/internal/deadletter"
	"github.com/dropwire/dropwire/internal/feed"
	"github.com/dropwire/dropwire/internal/gateway"
	"github.com/dropwire/dropwire/internal/metastore"
	"github.com/dropwire/dropwire/internal/objectstore"
	"github.com/dropwire/dropwire/internal/reaper"
	"github.com/dropwire/dropwire/internal/relay"
	"github.com/dropwire/dropwire/internal/trigger"
	"github.com/dropwire/dropwire/internal/worker"
)

const lockFileName = "dropwire.lock"

func main() {
	application, lock, err := initialize()
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = lock.Unlock()
	}()

	if err = application.Run(context.Background()); err != nil {
		panic(err)
	}
}

func initialize() (*app.App, *flock.Flock, error) {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, nil, err
	}

	dataDir := cfg.Storage.Path
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, nil, err
	}

	// One daemon per data directory; the WAL and cursor databases cannot be
	// shared.
	lock := flock.New(filepath.Join(dataDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, nil, err
	}
	if !locked {
		return nil, nil, fmt.Errorf("data directory %s is in use by another instance", dataDir)
	}

	var deps []app.Dependency

	changeLog, err := changelog.New(&changelog.Config{
		ShardCount: cfg.Changelog.Shards,
		Retention:  cfg.Changelog.Retention(),
		Path:       dataDir,
	})
	if err != nil {
		return nil, nil, err
	}

	meta, err := metastore.New(&metastore.Config{
		Path:      dataDir,
		Changelog: changeLog,
	})
	if err != nil {
		return nil, nil, err
	}
	deps = append(deps, meta)

	objects, err := objectstore.New(&objectstore.Config{
		Path: dataDir,
	})
	if err != nil {
		return nil, nil, err
	}
	deps = append(deps, objects)

	cursorStore, err := checkpoint.New(&checkpoint.Config{
		Path: dataDir,
	})
	if err != nil {
		return nil, nil, err
	}
	deps = append(deps, cursorStore)

	journal, err := trigger.NewJournal(&trigger.JournalConfig{
		Path: dataDir,
	})
	if err != nil {
		return nil, nil, err
	}
	deps = append(deps, journal)

	dlq, err := deadletter.New(&deadletter.Config{
		Path: dataDir,
	})
	if err != nil {
		return nil, nil, err
	}
	deps = append(deps, dlq)

	invoker, err := worker.NewHTTPInvoker(&worker.HTTPConfig{
		Endpoint: cfg.Worker.Endpoint,
		Timeout:  cfg.Worker.Timeout(),
	})
	if err != nil {
		return nil, nil, err
	}

	trig, err := trigger.New(&trigger.Config{
		Worker:  invoker,
		Journal: journal,
	})
	if err != nil {
		return nil, nil, err
	}

	relayManager, err := relay.New(&relay.Config{
		Log:            changeLog,
		Cursors:        cursorStore,
		Dispatcher:     trig,
		DeadLetter:     dlq,
		StartPosition:  changelog.Position(cfg.Relay.StartPosition),
		BatchSize:      cfg.Relay.BatchSize,
		PollInterval:   cfg.Relay.PollInterval(),
		MaxAttempts:    cfg.Relay.MaxAttempts,
		InitialBackoff: cfg.Relay.InitialBackoff(),
		MaxBackoff:     cfg.Relay.MaxBackoff(),
		OnExhausted:    relay.ExhaustionPolicy(cfg.Relay.OnExhausted),
	})
	if err != nil {
		return nil, nil, err
	}
	deps = append(deps, relayManager)

	if cfg.Feed.Enabled {
		liveFeed, feedErr := feed.New(&feed.Config{
			Address: cfg.Feed.Address,
			Port:    cfg.Feed.Port,
		})
		if feedErr != nil {
			return nil, nil, feedErr
		}
		changeLog.Notify(liveFeed.Publish)
		deps = append(deps, liveFeed)
	}

	reaperGC, err := reaper.New(&reaper.Config{
		Log:           changeLog,
		SweepInterval: cfg.Changelog.SweepInterval(),
	})
	if err != nil {
		return nil, nil, err
	}
	deps = append(deps, reaperGC)

	authToken := cfg.Server.AuthToken
	if authToken == "" {
		// No token configured: mint one per run so the gateway is never open.
		authToken = uuid.NewString()
		log.Warn().Str("token", authToken).Msg("server.auth_token not set; generated one for this run")
	}

	gw, err := gateway.New(&gateway.Config{
		Address:   cfg.Server.Address,
		Port:      cfg.Server.Port,
		AuthToken: authToken,
		Metadata:  meta,
		Objects:   objects,
	})
	if err != nil {
		return nil, nil, err
	}
	deps = append(deps, gw)

	// Last in, so its journal closes only after every producer and consumer
	// has stopped.
	deps = append(deps, changeLog)

	application, err := app.CreateApp(&app.Config{
		ServiceName: "Dropwire",
		StopTimeout: 10 * time.Second,
	}, deps...)
	if err != nil {
		return nil, nil, err
	}

	return application, lock, nil
}
