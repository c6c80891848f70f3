package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/italolelis/emby_downloader/internal/config"
	"github.com/italolelis/emby_downloader/internal/downloader"
	"github.com/italolelis/emby_downloader/internal/emby"
	"github.com/italolelis/emby_downloader/internal/logctx"
	"github.com/italolelis/emby_downloader/internal/notifier"
	"github.com/italolelis/emby_downloader/internal/storage"
	"github.com/italolelis/emby_downloader/internal/storage/jsonfile"
	"github.com/italolelis/emby_downloader/internal/storage/sqlite"
	"github.com/italolelis/emby_downloader/internal/telemetry"
	"github.com/italolelis/emby_downloader/internal/transfer"
	"github.com/italolelis/emby_downloader/internal/transport"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := &app{stdout: os.Stdout, stderr: os.Stderr}
	err := newRootCmd(a).ExecuteContext(ctx)

	a.close(context.WithoutCancel(ctx))
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app holds the dependencies shared by all commands. It is populated by the
// root command's pre-run hook.
type app struct {
	stdout io.Writer
	stderr io.Writer

	cfg       *config.Config
	logger    *slog.Logger
	tel       *telemetry.Telemetry
	store     storage.Store
	metadata  *emby.Client
	transport transfer.Transport
	notifier  notifier.Notifier

	closers []func(context.Context) error
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "emby_downloader",
		Short:         "Resumable downloads from an Emby media server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}

			ctx, err := a.setup(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			cmd.SetContext(ctx)

			return nil
		},
	}

	root.AddCommand(
		newRegisterCmd(a),
		newStartCmd(a),
		newResumeCmd(a),
		newDownloadCmd(a),
		newStatusCmd(a),
		newListCmd(a),
		newSearchCmd(a),
		newPruneCmd(a),
		newServeCmd(a),
	)

	return root
}

// setup builds the logger, telemetry, store and clients from cfg.
func (a *app) setup(ctx context.Context, cfg *config.Config) (context.Context, error) {
	a.cfg = cfg

	logger, logCloser, err := logctx.NewLogger(a.stderr, cfg.SlogLevel(), cfg.LogFile)
	if err != nil {
		return ctx, err
	}

	a.logger = logger
	a.closers = append(a.closers, func(context.Context) error { return logCloser.Close() })

	slog.SetDefault(logger)
	ctx = logctx.WithLogger(ctx, logger)

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return ctx, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a.tel = tel
	a.closers = append(a.closers, tel.Shutdown)

	store, err := a.buildStore(cfg)
	if err != nil {
		return ctx, err
	}

	a.store = storage.NewInstrumentedStore(store, tel)

	a.metadata = emby.NewClient(cfg.EmbyBaseURL(), cfg.Emby.Token, cfg.Emby.UserID, emby.Options{
		Timeout: cfg.MetadataTimeout,
	})

	a.transport = transfer.NewInstrumentedTransport(transport.NewClient(transport.Options{
		ChunkSize:    cfg.ChunkSize,
		ReadTimeout:  cfg.ReadTimeout,
		ProbeRetries: cfg.ProbeRetries,
	}), tel, "emby_stream")

	a.notifier = notifier.New(cfg.DiscordWebhookURL)

	logger.Debug("emby downloader configured",
		"version", version,
		"emby", cfg.EmbyBaseURL(),
		"store_backend", cfg.StoreBackend,
		"telemetry_enabled", cfg.Telemetry.Enabled,
	)

	return ctx, nil
}

// buildStore picks the persistence backend.
func (a *app) buildStore(cfg *config.Config) (storage.Store, error) {
	switch strings.ToLower(cfg.StoreBackend) {
	case config.StoreBackendSQLite:
		db, err := sqlite.InitDB(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		a.closers = append(a.closers, closeDB(db))

		return sqlite.NewStore(db), nil
	case config.StoreBackendJSON:
		return jsonfile.New(cfg.StatePath), nil
	}

	return nil, fmt.Errorf("invalid store backend: %s", cfg.StoreBackend)
}

func closeDB(db *sql.DB) func(context.Context) error {
	return func(context.Context) error { return db.Close() }
}

// newDownloader loads the persisted downloads and attaches the progress
// renderer.
func (a *app) newDownloader(ctx context.Context) (*downloader.Downloader, error) {
	metadata := transfer.NewInstrumentedMetadataProvider(a.metadata, a.tel, "emby")

	d, err := downloader.New(ctx, a.store, metadata, a.transport, a.tel, downloader.Options{
		CheckpointInterval: a.cfg.CheckpointInterval,
	})
	if err != nil {
		return nil, err
	}

	d.Subscribe(func(ev downloader.Event) {
		fmt.Fprintln(a.stdout, formatEvent(ev))
	})

	return d, nil
}

// close releases everything setup acquired, in reverse order.
func (a *app) close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}

	if err := errors.Join(errs...); err != nil {
		fmt.Fprintln(a.stderr, "failed to clean up:", err)
	}
}
