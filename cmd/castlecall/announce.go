package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ctf2009/castlecall/internal/announcer"
	"github.com/ctf2009/castlecall/internal/api"
	"github.com/ctf2009/castlecall/internal/client"
	"github.com/ctf2009/castlecall/internal/core"
	"github.com/spf13/cobra"
)

// Flag names.
const (
	flagText     = "text"
	flagVoice    = "voice"
	flagVolume   = "volume"
	flagProvider = "provider"
	flagDelay    = "delay"
	flagServer   = "server"
)

type announceFlags struct {
	text     string
	voice    string
	volume   int
	provider string
	delay    int
	server   string
}

func newAnnounceCommand(options *rootOptions) *cobra.Command {
	flags := &announceFlags{}

	cmd := &cobra.Command{
		Use:   "announce",
		Short: "Speak one announcement, here or through a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			volumeSet := cmd.Flags().Changed(flagVolume)

			if flags.server != "" {
				return announceRemote(cmd.Context(), cmd.OutOrStdout(), flags, volumeSet)
			}

			return announceLocal(cmd.Context(), cmd.OutOrStdout(), options.configPath, flags, volumeSet)
		},
	}

	cmd.Flags().StringVarP(&flags.text, flagText, "t", "", "Text to speak")
	cmd.Flags().StringVar(&flags.voice, flagVoice, "", "Voice id (defaults to the provider's default voice)")
	cmd.Flags().IntVar(&flags.volume, flagVolume, announcer.DefaultVolume, "Volume percent, 0-100")
	cmd.Flags().StringVarP(&flags.provider, flagProvider, "p", "", "Provider: piper or elevenlabs")
	cmd.Flags().IntVarP(&flags.delay, flagDelay, "d", 0, "Minutes to wait before speaking, 0-60")
	cmd.Flags().StringVar(&flags.server, flagServer, "", "Base URL of a running castlecall server")

	_ = cmd.MarkFlagRequired(flagText)

	return cmd
}

func announceRemote(ctx context.Context, out io.Writer, flags *announceFlags, volumeSet bool) error {
	request := api.AnnounceRequest{
		Text:         flags.text,
		Voice:        flags.voice,
		Volume:       nil,
		Provider:     flags.provider,
		DelayMinutes: flags.delay,
	}

	if volumeSet {
		request.Volume = &flags.volume
	}

	response, err := client.NewHTTPClient(flags.server, client.DefaultTimeout).Announce(ctx, request)
	if err != nil {
		return err
	}

	if response.Scheduled && response.RunAt != nil {
		fmt.Fprintf(out, "Scheduled %s for %s\n", response.JobID, response.RunAt.Local().Format("15:04:05"))

		return nil
	}

	fmt.Fprintf(out, "Announced %s\n", response.ID)

	return nil
}

// announceLocal runs the engine in this process. A delayed announcement keeps the
// process alive until the job completes, fails or is dropped.
func announceLocal(ctx context.Context, out io.Writer, configPath string, flags *announceFlags, volumeSet bool) error {
	if flags.delay < 0 || flags.delay > announcer.MaxDelayMinutes {
		return fmt.Errorf("%w: delay must be between 0 and %d minutes", core.ErrInvalidDelay, announcer.MaxDelayMinutes)
	}

	var provider core.Provider

	if flags.provider != "" {
		parsed, err := core.ParseProvider(flags.provider)
		if err != nil {
			return err
		}

		provider = parsed
	}

	cfg, log, closeLog, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer closeLog()

	orchestrator, err := buildAnnouncer(cfg, log)
	if err != nil {
		return err
	}
	defer orchestrator.Close()

	volume := cfg.TTS.DefaultVolume
	if volumeSet {
		volume = flags.volume
	}

	outcomes := make(chan announcer.Event, 8)
	orchestrator.AddSink(announcer.SinkFunc(func(event announcer.Event) {
		if event.Kind == announcer.EventScheduled {
			return
		}

		select {
		case outcomes <- event:
		default:
		}
	}))

	result, err := orchestrator.ScheduleAnnounce(ctx, core.AnnouncementRequest{
		Text:          flags.text,
		VoiceID:       flags.voice,
		VolumePercent: volume,
		Provider:      provider,
	}, flags.delay)
	if err != nil {
		return err
	}

	if !result.Scheduled {
		fmt.Fprintf(out, "Announced %s\n", result.JobID)

		return nil
	}

	fmt.Fprintf(out, "Scheduled %s for %s, waiting\n", result.JobID, result.RunAt.Local().Format("15:04:05"))

	return awaitOutcome(ctx, out, result.JobID, outcomes)
}

func awaitOutcome(ctx context.Context, out io.Writer, jobID string, outcomes <-chan announcer.Event) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for %s: %w", jobID, ctx.Err())
		case event := <-outcomes:
			if event.JobID != jobID {
				continue
			}

			if event.Err != nil {
				return fmt.Errorf("announcement %s %s: %w", jobID, event.Kind, event.Err)
			}

			fmt.Fprintf(out, "Announced %s\n", jobID)

			return nil
		}
	}
}
