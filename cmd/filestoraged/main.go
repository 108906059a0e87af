// Command filestoraged is the file-storage server: it loads the server
// config file, starts the storage engine and the dispatcher/worker
// pipeline, and serves Prometheus metrics on a loopback listener until a
// shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/filestoraged/internal/config"
	"github.com/adred-codev/filestoraged/internal/dispatch"
	"github.com/adred-codev/filestoraged/internal/logging"
	"github.com/adred-codev/filestoraged/internal/metrics"
	"github.com/adred-codev/filestoraged/internal/resource"
	"github.com/adred-codev/filestoraged/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to the server config file (key=value, '#' comments)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "filestoraged:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(logging.Config{Level: cfg.Ambient.LogLevel, Pretty: cfg.Ambient.LogPretty})

	log.Info().
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Int("worker_pool_size", cfg.WorkerPoolSize).
		Int("storage_max_file_number", cfg.StorageMaxFileNumber).
		Int64("storage_max_size", cfg.StorageMaxSize).
		Int("backlog", cfg.Backlog).
		Str("socket_path", cfg.SocketPath).
		Msg("starting filestoraged")

	if limit, err := resource.MemoryLimitBytes(); err != nil {
		log.Debug().Err(err).Msg("cgroup memory limit unavailable")
	} else if fits, headroom := resource.CheckStorageCapacity(cfg.StorageMaxSize, limit); !fits {
		log.Warn().
			Int64("storage_max_size", cfg.StorageMaxSize).
			Int64("cgroup_memory_limit", limit).
			Int64("headroom_bytes", headroom).
			Msg("STORAGE_MAX_SIZE leaves little or no headroom under the container memory limit")
	}

	store := storage.New(storage.Config{
		MaxFileNumber: cfg.StorageMaxFileNumber,
		MaxSize:       cfg.StorageMaxSize,
	}, log)

	disp, err := dispatch.New(cfg.SocketPath, cfg.Backlog, cfg.WorkerPoolSize,
		cfg.Ambient.AcceptRatePerSec, cfg.Ambient.AcceptBurst, store, log)
	if err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}

	metricsSrv := metrics.NewServer(cfg.Ambient.MetricsAddr, log)
	metricsSrv.Start()

	sampler, err := resource.New(15*time.Second, log)
	if err != nil {
		log.Warn().Err(err).Msg("resource sampler unavailable")
	}
	sampleCtx, stopSampling := context.WithCancel(context.Background())
	if sampler != nil {
		go sampler.Run(sampleCtx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT)
	signal.Ignore(syscall.SIGPIPE)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				log.Info().Msg("SIGHUP received, soft exit: draining clients")
				disp.RequestSoftExit()
				grace := time.Duration(cfg.Ambient.ShutdownGraceSeconds) * time.Second
				time.AfterFunc(grace, func() {
					select {
					case <-disp.Stopped():
					default:
						log.Warn().Dur("grace_period", grace).Msg("soft exit grace period elapsed, forcing hard exit")
						disp.RequestHardExit()
					}
				})
			case syscall.SIGINT, syscall.SIGQUIT:
				log.Info().Str("signal", sig.String()).Msg("hard exit requested")
				disp.RequestHardExit()
			}
		}
	}()

	go disp.Run()
	<-disp.Stopped()

	stopSampling()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Ambient.ShutdownGraceSeconds)*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("metrics server shutdown")
	}

	log.Info().Msg("filestoraged exited cleanly")
	return nil
}
