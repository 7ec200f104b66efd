// Command btree is a load generator for the string B+ tree index. It writes a key
// range with a pool of paced workers, reads it back, and reports buffer pool stats.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/sushant-115/gojostore/core/indexmanager"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/pkg/config"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	workers := flag.Int("workers", 16, "concurrent workers per phase")
	first := flag.Int("from", 0, "first key number")
	count := flag.Int("count", 20000, "number of keys")
	opsPerSec := flag.Float64("rate", 0, "max operations per second across workers (0 = unlimited)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zlogger.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("failed to set up telemetry", zap.Error(err))
	}
	defer shutdown(context.Background())

	var disk flushmanager.DiskManager
	if cfg.Storage.DataFile == "" {
		disk = flushmanager.NewMemoryDiskManager(cfg.Storage.PageSize)
	} else {
		disk, err = flushmanager.NewFileDiskManager(cfg.Storage.DataFile, cfg.Storage.PageSize, zlogger)
		if err != nil {
			zlogger.Fatal("failed to open data file", zap.Error(err))
		}
	}
	defer disk.Close()

	bpm, err := memtable.NewBufferPoolManager(cfg.Storage.PoolSize, cfg.Storage.ReplacerK, disk, zlogger)
	if err != nil {
		zlogger.Fatal("failed to create buffer pool", zap.Error(err))
	}
	if err := bpm.EnableMetrics(tel.Meter); err != nil {
		zlogger.Fatal("failed to register buffer pool metrics", zap.Error(err))
	}

	index, err := indexmanager.NewBTreeIndexManager(cfg.Index.Name, bpm, pagemanager.PageID(cfg.Index.HeaderPageID),
		indexmanager.BTreeOptions{
			KeyWidth:        cfg.Index.KeyWidth,
			ValueWidth:      cfg.Index.ValueWidth,
			LeafMaxSize:     cfg.Index.LeafMaxSize,
			InternalMaxSize: cfg.Index.InternalMaxSize,
		}, tel, zlogger)
	if err != nil {
		zlogger.Fatal("failed to create index", zap.Error(err))
	}

	limit := rate.Inf
	if *opsPerSec > 0 {
		limit = rate.Limit(*opsPerSec)
	}
	limiter := rate.NewLimiter(limit, *workers)
	ctx := context.Background()

	writeTook, err := runPhase(ctx, limiter, *workers, *first, *count, func(ctx context.Context, i int) error {
		return index.Put(ctx, "key-"+strconv.Itoa(i), []byte("value-"+strconv.Itoa(i)))
	})
	if err != nil {
		zlogger.Fatal("write phase failed", zap.Error(err))
	}

	readTook, err := runPhase(ctx, limiter, *workers, *first, *count, func(ctx context.Context, i int) error {
		key := "key-" + strconv.Itoa(i)
		v, found, err := index.Get(ctx, key)
		if err != nil {
			return err
		}
		if !found || string(v) != "value-"+strconv.Itoa(i) {
			return fmt.Errorf("key %s: found=%v value=%q", key, found, v)
		}
		return nil
	})
	if err != nil {
		zlogger.Fatal("read phase failed", zap.Error(err))
	}

	if err := bpm.FlushAllPages(); err != nil {
		zlogger.Fatal("flush failed", zap.Error(err))
	}
	stats := bpm.Stats()
	zlogger.Info("Load test finished",
		zap.Int("keys", *count),
		zap.Int("workers", *workers),
		zap.Duration("write_duration", writeTook),
		zap.Duration("read_duration", readTook),
		zap.Float64("writes_per_sec", float64(*count)/writeTook.Seconds()),
		zap.Float64("reads_per_sec", float64(*count)/readTook.Seconds()),
		zap.Int("resident_pages", stats.Resident),
		zap.Uint64("next_page_id", uint64(stats.NextPageID)),
		zap.Uint64("header_page_id", uint64(index.HeaderPageID())))
}

// runPhase spreads keys [first, first+count) across workers, pacing every call
// through limiter.
func runPhase(ctx context.Context, limiter *rate.Limiter, workers, first, count int,
	op func(ctx context.Context, i int) error) (time.Duration, error) {
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := first; i < first+count; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		g.Go(func() error { return op(ctx, i) })
	}
	err := g.Wait()
	return time.Since(start), err
}
