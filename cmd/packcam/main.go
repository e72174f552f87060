package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/PackCam/internal/api"
	"github.com/dharsanguruparan/PackCam/internal/camera"
	"github.com/dharsanguruparan/PackCam/internal/cv"
	"github.com/dharsanguruparan/PackCam/internal/events"
	"github.com/dharsanguruparan/PackCam/internal/identity"
	"github.com/dharsanguruparan/PackCam/internal/model"
	"github.com/dharsanguruparan/PackCam/internal/preview"
	"github.com/dharsanguruparan/PackCam/internal/queue"
	"github.com/dharsanguruparan/PackCam/internal/scanner"
	"github.com/dharsanguruparan/PackCam/internal/signing"
	"github.com/dharsanguruparan/PackCam/internal/station"
	"github.com/dharsanguruparan/PackCam/internal/worker"
)

const previewFPS = 10

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "packcam: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packcam",
		Short: "Packing station recorder",
		Long: `PackCam records a video per scanned order at a packing station and uploads
it with a metadata sidecar to S3-compatible storage.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newRunCmd(),
		newCamerasCmd(),
		newPortsCmd(),
		newTokenCmd(),
		newReuploadCmd(),
		newWorkerCmd(),
		newLinkCmd(),
		newHistoryCmd(),
	)
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the station and its local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			return runStation(cmd.Context(), a)
		},
	}
}

func runStation(ctx context.Context, a *app) error {
	cfg := a.cfg
	dispatcher := events.NewDispatcher(256, a.logger)
	dispatcher.Subscribe(func(ev events.Event) {
		if events.Droppable(ev.Kind) {
			return
		}
		a.logger.Info("station event", "kind", ev.Kind, "order", ev.OrderID, "message", ev.Message, "blocking", ev.Blocking)
	})
	cues := a.cues()

	uploads, closeLedger, err := a.pipeline(ctx, dispatcher, cues)
	if err != nil {
		return err
	}
	defer closeLedger()

	hub := preview.NewHub(cv.EncodeJPEG, previewFPS, a.logger)
	ctrl, err := station.New(station.OptionsFromConfig(cfg), station.Deps{
		Opener:     cv.NewOpener(),
		Encoder:    cv.NewWriter,
		Dialer:     scanner.SerialDialer{},
		Enumerator: scanner.SerialEnumerator{},
		Uploads:    uploads,
		Events:     dispatcher,
		Cues:       cues,
		Preview:    hub,
	}, a.logger)
	if err != nil {
		return err
	}
	if err := ctrl.Init(ctx); err != nil {
		return err
	}

	srv := api.New(api.Options{
		Address:       cfg.Address,
		RecordingsDir: cfg.Recording.TempDir,
		SignedURLTTL:  cfg.SignedURLTTL,
	}, ctrl, a.metadata(), signing.NewSigner(cfg.SigningSecret), hub, a.logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		wg      sync.WaitGroup
		apiErr  error
		stopErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if apiErr = srv.Run(ctx); apiErr != nil {
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		stopErr = ctrl.Run(ctx)
		cancel()
	}()
	wg.Wait()
	if uploads != nil {
		a.logger.Info("waiting for uploads to finish")
		uploads.Wait()
	}
	return errors.Join(apiErr, stopErr)
}

func newCamerasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cameras",
		Short: "List capture devices that deliver frames",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			opts := station.OptionsFromConfig(a.cfg)
			src := camera.NewSource(cv.NewOpener(), opts.Camera, a.logger)
			defer src.Close()
			infos := src.Enumerate(opts.ProbeCount)
			if len(infos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no cameras found")
				return nil
			}
			for _, info := range infos {
				fmt.Fprintln(cmd.OutOrStdout(), info.Label)
			}
			return nil
		},
	}
}

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports and the one auto-detection would pick",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			ports, err := scanner.SerialEnumerator{}.Ports()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PORT\tUSB\tVID:PID\tDESCRIPTION")
			for _, p := range ports {
				fmt.Fprintf(w, "%s\t%v\t%s:%s\t%s\n", p.Name, p.IsUSB, p.VID, p.PID, p.Description)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			pick := scanner.AutoDetect(ports, a.cfg.Scanner.DefaultPort, a.cfg.Scanner.Keywords)
			if pick == "" {
				pick = "(none)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "auto-detect: %s\n", pick)
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		mint bool
		port string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Show the station's self-identification token",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			var id identity.Identity
			if mint {
				id = identity.New(a.cfg.SelfTokenPrefix, port)
				if err := id.Persist(a.cfg.DataDir); err != nil {
					return err
				}
			} else if id, err = identity.Load(a.cfg.DataDir); err != nil {
				return fmt.Errorf("%w (run the station or pass --new)", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token:   %s\nport:    %s\nissued:  %s\n", id.Token, id.ComPort, id.Timestamp.Format(time.RFC3339))
			if id.QRPath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "qr code: %s\n", id.QRPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&mint, "new", false, "Mint and persist a fresh token")
	cmd.Flags().StringVar(&port, "port", "", "Scanner port recorded with a new token")
	return cmd
}

func newReuploadCmd() *cobra.Command {
	var (
		orderID  string
		operator string
		now      bool
	)
	cmd := &cobra.Command{
		Use:   "reupload <video>",
		Short: "Upload a recording that stayed on disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err != nil {
				return err
			}
			if operator == "" {
				operator = a.cfg.OperatorName
			}
			payload := queue.ReuploadPayload{
				OrderID:      orderID,
				VideoPath:    path,
				OperatorName: operator,
				OperatorID:   a.cfg.OperatorID,
			}
			ctx := cmd.Context()
			if now || a.cfg.RedisAddr == "" {
				return reuploadNow(ctx, a, payload)
			}
			client := asynq.NewClient(a.redis().RedisOpt())
			defer client.Close()
			id, err := queue.EnqueueReupload(ctx, client, payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued reupload %s for order %s\n", id, orderID)
			return nil
		},
	}
	cmd.Flags().StringVar(&orderID, "order", "", "Order id the video belongs to")
	cmd.Flags().StringVar(&operator, "operator", "", "Operator name for the sidecar")
	cmd.Flags().BoolVar(&now, "now", false, "Upload in this process instead of queueing")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

func reuploadNow(ctx context.Context, a *app, payload queue.ReuploadPayload) error {
	p, closeLedger, err := a.pipeline(ctx, events.Discard{}, a.cues())
	if err != nil {
		return err
	}
	defer closeLedger()
	if p == nil {
		return errors.New("storage not configured")
	}
	return p.Process(ctx, model.Recording{
		OrderID:      payload.OrderID,
		Path:         payload.VideoPath,
		OperatorName: payload.OperatorName,
		OperatorID:   payload.OperatorID,
	}, false)
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued re-uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			return serveWorker(cmd.Context(), a)
		},
	}
}

func serveWorker(ctx context.Context, a *app) error {
	p, closeLedger, err := a.pipeline(ctx, events.Discard{}, nil)
	if err != nil {
		return err
	}
	defer closeLedger()
	if p == nil {
		return errors.New("storage not configured")
	}
	return worker.Serve(ctx, a.redis(), a.cfg.WorkerPool, worker.NewProcessor(p, a.logger), a.logger)
}

func newLinkCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "link <key>",
		Short: "Print a presigned download URL for an uploaded object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			if !a.cfg.StorageConfigured() {
				return errors.New("storage not configured")
			}
			if ttl <= 0 {
				ttl = a.cfg.SignedURLTTL
			}
			u, err := a.backend().PresignURL(cmd.Context(), args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Link lifetime (defaults to PACKCAM_SIGNED_TTL)")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <order>",
		Short: "Show local sidecars and ledger rows for an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			order := args[0]
			out := cmd.OutOrStdout()
			sidecars, err := a.metadata().All(order)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DATE\tTIME\tUSER\tDURATION\tURL")
			for _, sc := range sidecars {
				fmt.Fprintf(w, "%s\t%s\t%s\t%ds\t%s\n", sc.Date, sc.Time, sc.User, sc.Duration, sc.URLUpload)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			_, repo, closeLedger, err := a.ledger(cmd.Context())
			if err != nil {
				return err
			}
			defer closeLedger()
			if repo == nil {
				return nil
			}
			tasks, err := repo.ListByOrder(cmd.Context(), order)
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tSTATUS\tAUTO\tCREATED\tDETAIL")
			for _, t := range tasks {
				detail := t.VideoURL
				if t.Status == model.StatusFailed {
					detail = t.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", t.ID, t.Status, t.Auto, t.CreatedAt.Format(time.RFC3339), detail)
			}
			return w.Flush()
		},
	}
}
