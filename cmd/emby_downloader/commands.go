package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/italolelis/emby_downloader/internal/downloader"
	"github.com/italolelis/emby_downloader/internal/http/rest"
	"github.com/italolelis/emby_downloader/internal/logctx"
	"github.com/italolelis/emby_downloader/internal/storage"
	"github.com/italolelis/emby_downloader/internal/transfer"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRegisterCmd(a *app) *cobra.Command {
	var dest string

	cmd := &cobra.Command{
		Use:   "register <item_id>",
		Short: "Register a media item for download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			d, err := a.newDownloader(ctx)
			if err != nil {
				return err
			}

			id, err := d.Register(ctx, args[0], a.destDir(dest))
			if err != nil {
				return err
			}

			fmt.Fprintln(a.stdout, id)

			return nil
		},
	}

	cmd.Flags().StringVar(&dest, "dest", "", "destination directory (defaults to DOWNLOAD_DIR)")

	return cmd
}

func newStartCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start <download_id>",
		Short: "Start a registered download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			d, err := a.newDownloader(ctx)
			if err != nil {
				return err
			}

			return a.runTransfer(ctx, d, args[0], d.Start)
		},
	}
}

func newResumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <download_id>",
		Short: "Resume an interrupted download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			d, err := a.newDownloader(ctx)
			if err != nil {
				return err
			}

			return a.runTransfer(ctx, d, args[0], d.Resume)
		},
	}
}

func newDownloadCmd(a *app) *cobra.Command {
	var dest string

	cmd := &cobra.Command{
		Use:   "download <item_id>",
		Short: "Register a media item and download it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			d, err := a.newDownloader(ctx)
			if err != nil {
				return err
			}

			id, err := d.Register(ctx, args[0], a.destDir(dest))
			if err != nil {
				return err
			}

			fmt.Fprintln(a.stdout, "registered", id)

			return a.runTransfer(ctx, d, id, d.Start)
		},
	}

	cmd.Flags().StringVar(&dest, "dest", "", "destination directory (defaults to DOWNLOAD_DIR)")

	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show download progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			d, err := a.newDownloader(ctx)
			if err != nil {
				return err
			}

			if id != "" {
				rec, err := d.Status(ctx, id)
				if err != nil {
					return err
				}

				fmt.Fprintln(a.stdout, formatRecord(rec))

				return nil
			}

			records := d.List(ctx)
			if len(records) == 0 {
				fmt.Fprintln(a.stdout, "No downloads found.")

				return nil
			}

			for _, rec := range records {
				fmt.Fprintln(a.stdout, formatRecord(rec))
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "only show this download")

	return cmd
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List download ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := a.newDownloader(cmd.Context())
			if err != nil {
				return err
			}

			for _, rec := range d.List(cmd.Context()) {
				fmt.Fprintln(a.stdout, formatListLine(rec))
			}

			return nil
		},
	}
}

func newSearchCmd(a *app) *cobra.Command {
	var (
		year   int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search movies and series on the media server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var items []transfer.Item

			err := a.tel.InstrumentClientOperation(ctx, "emby", "search", func(ctx context.Context) error {
				var err error
				items, err = a.metadata.Search(ctx, args[0], year)

				return err
			})
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")

				return enc.Encode(newSearchResults(items))
			}

			if len(items) == 0 {
				fmt.Fprintln(a.stdout, "No items found.")

				return nil
			}

			for _, it := range items {
				fmt.Fprintln(a.stdout, formatItem(it))
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&year, "year", 0, "only match this production year")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")

	return cmd
}

func newPruneCmd(a *app) *cobra.Command {
	var (
		olderThan   time.Duration
		deleteFiles bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Forget completed downloads older than a retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			d, err := a.newDownloader(ctx)
			if err != nil {
				return err
			}

			ids, err := d.Prune(ctx, olderThan, deleteFiles)
			for _, id := range ids {
				fmt.Fprintln(a.stdout, "pruned", id)
			}

			return err
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "retention for completed downloads")
	cmd.Flags().BoolVar(&deleteFiles, "delete-files", false, "also delete the downloaded files")

	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve download status and metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	handler := rest.NewStatusHandler(a.store, a.cfg.Web.Username, a.cfg.Web.Password)

	server := &http.Server{
		Addr:         a.cfg.Web.BindAddress,
		ReadTimeout:  a.cfg.Web.ReadTimeout,
		WriteTimeout: a.cfg.Web.WriteTimeout,
		IdleTimeout:  a.cfg.Web.IdleTimeout,
		Handler:      rest.NewRouter(handler, a.tel),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("status API listening", "host", a.cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	return g.Wait()
}

// runTransfer runs one transfer, notifies about its outcome and prints a
// resume hint when the failure is transient.
func (a *app) runTransfer(ctx context.Context, d *downloader.Downloader, id string, fn func(context.Context, string) error) error {
	before, err := d.Status(ctx, id)
	if err != nil {
		return err
	}

	err = fn(ctx, id)

	if before.Status != storage.StatusCompleted && !errors.Is(err, downloader.ErrNotStarted) {
		a.notifyOutcome(ctx, d, id, err)
	}

	if err != nil && transfer.IsRetryable(err) {
		fmt.Fprintf(a.stderr, "download interrupted; continue with: emby_downloader resume %s\n", id)
	}

	return err
}

func (a *app) notifyOutcome(ctx context.Context, d *downloader.Downloader, id string, err error) {
	logger := logctx.LoggerFromContext(ctx)

	rec, statusErr := d.Status(ctx, id)
	if statusErr != nil {
		return
	}

	content := "✅ Download finished: " + rec.Name + " (" + rec.ID + ")"
	if err != nil {
		content = "❌ Download failed: " + rec.Name + " (" + rec.ID + "): " + err.Error()
	}

	if notifyErr := a.notifier.Notify(context.WithoutCancel(ctx), content); notifyErr != nil {
		logger.Error("failed to send notification", "download_id", id, "err", notifyErr)
	}
}

func (a *app) destDir(flag string) string {
	if flag != "" {
		return flag
	}

	return a.cfg.DownloadDir
}
