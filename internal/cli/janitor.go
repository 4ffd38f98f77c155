package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/taskmesh/taskmesh/internal/cache"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/events"
)

// JanitorConfig configures the background sweep: a cron schedule plus the
// cache root it sweeps.
type JanitorConfig struct {
	CacheDir string
	Schedule string // standard 5-field cron expression; defaults to hourly
}

// RunJanitor opens the Production Cache under cfg.CacheDir and runs
// Cache.GarbageCollect on cfg.Schedule until ctx is cancelled. It is meant
// to run as a long-lived sidecar alongside one-shot `taskmesh` invocations,
// sweeping zero-ref CAS objects independently of any particular run. It
// does not enforce the eviction quotas; eviction happens only inside
// cache Put calls.
func RunJanitor(ctx context.Context, cfg JanitorConfig, log *logrus.Logger) error {
	if log == nil {
		log = logrus.New()
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@hourly"
	}

	bus := events.NewBus(64)
	defer bus.Close()

	cacheCfg := config.CacheConfig{
		Enabled:         true,
		Mode:            config.ModeReadWrite,
		BaseDir:         filepath.Join(cfg.CacheDir, "cache"),
		MaxMemorySize:   64 << 20,
		MaxDiskSize:     1 << 30,
		InlineThreshold: 4096,
		EvictionPolicy:  config.EvictionLRU,
	}
	c, err := cache.Open(cacheCfg, bus, log)
	if err != nil {
		return fmt.Errorf("janitor: open cache: %w", err)
	}
	defer c.Close()

	sched := cron.New()
	_, err = sched.AddFunc(schedule, func() {
		count, bytes, err := c.GarbageCollect()
		if err != nil {
			log.WithError(err).Warn("janitor: garbage collect failed")
			return
		}
		log.WithFields(logrus.Fields{"objects": count, "bytes": bytes}).Info("janitor: garbage collect complete")
	})
	if err != nil {
		return fmt.Errorf("janitor: invalid schedule %q: %w", schedule, err)
	}

	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	<-ctx.Done()
	return nil
}
