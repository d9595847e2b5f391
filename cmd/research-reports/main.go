package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/renderinc/research-reports/internal/config"
	"github.com/renderinc/research-reports/internal/eastmoney"
	"github.com/renderinc/research-reports/internal/lock"
	"github.com/renderinc/research-reports/internal/logger"
	"github.com/renderinc/research-reports/internal/search"
	"github.com/renderinc/research-reports/internal/storage"
	"github.com/renderinc/research-reports/internal/sync"
	"github.com/renderinc/research-reports/internal/web"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "research-reports",
		Short:         "Ingest and browse EastMoney research reports",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to the YAML config file")

	root.AddCommand(
		newSyncCmd(),
		newReplayCmd(),
		newServeCmd(),
		newSearchCmd(),
		newStatsCmd(),
		newReindexCmd(),
		newGetReportCmd(),
		newExportCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app holds what every command opens.
type app struct {
	cfg   *config.Config
	store storage.Store
	idx   *search.Index
}

// openApp loads config, sets up logging and opens the store. The search
// index is opened only when withIndex is set, since it is single-writer.
func openApp(ctx context.Context, withIndex bool) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.InitLogger(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &app{cfg: cfg, store: store}

	if withIndex && cfg.Index.Path != "" {
		idx, err := search.Open(cfg.Index.Path)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open search index: %w", err)
		}
		a.idx = idx
	}
	return a, nil
}

func (a *app) Close() {
	if a.idx != nil {
		a.idx.Close()
	}
	a.store.Close()
}

type workerFlags struct {
	concurrency    int
	updateExisting bool
}

func (a *app) newWorker(f workerFlags) (*sync.Worker, error) {
	sc := a.cfg.Sync
	if f.concurrency > 0 {
		sc.Concurrency = f.concurrency
	}

	client, err := eastmoney.NewClient(eastmoney.OptionsFromConfig(a.cfg.Upstream, sc))
	if err != nil {
		return nil, err
	}

	opts := sync.Options{
		Concurrency:   sc.Concurrency,
		RecordTimeout: sc.RecordTimeout,
		SkipExisting:  sc.SkipExisting && !f.updateExisting,
	}
	if sc.WriteFailures {
		opts.FailureLogDir = sc.FailureLogDir
	}

	var index sync.Indexer
	if a.idx != nil && sc.IndexOnPersist {
		index = a.idx
	}
	return sync.NewWorker(client, client, a.store, index, opts), nil
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			worker, err := a.newWorker(workerFlags{})
			if err != nil {
				return err
			}
			locker, closeLock, err := lock.FromConfig(ctx, a.cfg.Redis)
			if err != nil {
				return err
			}
			defer closeLock()

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			srv := &http.Server{
				Addr:    addr,
				Handler: web.NewServer(a.store, a.idx, worker, locker, a.cfg.Server, a.cfg.Sync.LookbackDays).Handler(),
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Log.Infof("listening on http://%s", addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			logger.Log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	return cmd
}
