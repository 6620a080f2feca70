package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/ctf2009/castlecall/internal/announcer"
	"github.com/ctf2009/castlecall/internal/api"
	"github.com/ctf2009/castlecall/internal/clipstore"
	"github.com/ctf2009/castlecall/internal/config"
	"github.com/ctf2009/castlecall/internal/history"
	"github.com/ctf2009/castlecall/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

const natsClientName = "castlecall"

func newServeCommand(options *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, plus the NATS transport when nats.url is set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), options.configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, log, closeLog, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer closeLog()

	orchestrator, err := buildAnnouncer(cfg, log)
	if err != nil {
		log.Error("Failed to build announcer: %v", err)

		return err
	}
	defer orchestrator.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)
	running := 0

	if cfg.NATS.URL != "" {
		natsConnection, natsWorker, natsErr := connectNATS(cfg, orchestrator, log)
		if natsErr != nil {
			log.Error("Failed to set up NATS: %v", natsErr)

			return natsErr
		}
		defer natsConnection.Close()

		running++

		go func() {
			errs <- natsWorker.Run(ctx)
		}()
	}

	server := api.NewServer(orchestrator, history.New(cfg.History.MaxEntries), api.Options{
		DefaultVolume:      cfg.TTS.DefaultVolume,
		StatusPollInterval: 0,
	}, log)

	running++

	go func() {
		errs <- server.Run(ctx, cfg.Addr())
	}()

	log.System("castlecall initialized on %s [provider=%s, piper=%s, voices=%s, device=%s]",
		cfg.Addr(), cfg.DefaultProvider(), cfg.Piper.Path, cfg.Piper.VoicesDir, cfg.Playback.Device)

	var firstErr error

	for range running {
		runErr := <-errs
		if runErr != nil && firstErr == nil {
			firstErr = runErr

			stop()
		}
	}

	return firstErr
}

// connectNATS publishes outcomes, shares clips when a bucket is configured and returns
// the announce worker ready to run.
func connectNATS(
	cfg *config.Config,
	orchestrator *announcer.Announcer,
	log *logger.Logger,
) (*nats.Conn, *worker.NatsWorker, error) {
	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name(natsClientName))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	orchestrator.AddSink(worker.NewPublisher(natsConnection, cfg.NATS.EventsSubject, log))

	if cfg.NATS.ClipBucket != "" {
		jetstreamContext, jsErr := natsConnection.JetStream()
		if jsErr != nil {
			natsConnection.Close()

			return nil, nil, fmt.Errorf("failed to open JetStream: %w", jsErr)
		}

		store, storeErr := clipstore.New(jetstreamContext, cfg.ClipStore())
		if storeErr != nil {
			natsConnection.Close()

			return nil, nil, storeErr
		}

		orchestrator.SetClipStore(store)
		log.Info("Sharing clips through bucket %s", store.Bucket())
	}

	return natsConnection, worker.NewNatsWorker(natsConnection, cfg.NATS.AnnounceSubject, orchestrator, log), nil
}
