package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ctf2009/castlecall/internal/announcer"
	"github.com/ctf2009/castlecall/internal/api"
	"github.com/ctf2009/castlecall/internal/client"
	"github.com/ctf2009/castlecall/internal/core"
	"github.com/spf13/cobra"
)

const (
	tabMinWidth = 0
	tabWidth    = 4
	tabPadding  = 2
)

func newVoicesCommand(options *rootOptions) *cobra.Command {
	var provider, server string

	cmd := &cobra.Command{
		Use:   "voices",
		Short: "List the voices a provider can speak with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				voices api.VoicesResponse
				err    error
			)

			if server != "" {
				voices, err = client.NewHTTPClient(server, 0).Voices(cmd.Context(), provider)
			} else {
				voices, err = localVoices(cmd.Context(), options.configPath, provider)
			}

			if err != nil {
				return err
			}

			return printVoices(cmd.OutOrStdout(), voices)
		},
	}

	cmd.Flags().StringVarP(&provider, flagProvider, "p", "", "Provider: piper or elevenlabs (defaults to the configured provider)")
	cmd.Flags().StringVar(&server, flagServer, "", "Base URL of a running castlecall server")

	return cmd
}

func newProvidersCommand(options *rootOptions) *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List the synthesis providers and whether they are configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				providers []announcer.ProviderInfo
				err       error
			)

			if server != "" {
				providers, err = client.NewHTTPClient(server, 0).Providers(cmd.Context())
			} else {
				providers, err = localProviders(options.configPath)
			}

			if err != nil {
				return err
			}

			return printProviders(cmd.OutOrStdout(), providers)
		},
	}

	cmd.Flags().StringVar(&server, flagServer, "", "Base URL of a running castlecall server")

	return cmd
}

func localVoices(ctx context.Context, configPath, rawProvider string) (api.VoicesResponse, error) {
	cfg, log, closeLog, err := bootstrap(configPath)
	if err != nil {
		return api.VoicesResponse{}, err
	}
	defer closeLog()

	orchestrator, err := buildAnnouncer(cfg, log)
	if err != nil {
		return api.VoicesResponse{}, err
	}
	defer orchestrator.Close()

	provider := orchestrator.DefaultProvider()

	if rawProvider != "" {
		provider, err = core.ParseProvider(rawProvider)
		if err != nil {
			return api.VoicesResponse{}, err
		}
	}

	voices, err := orchestrator.ListVoices(ctx, provider)
	if err != nil {
		return api.VoicesResponse{}, err
	}

	return api.VoicesResponse{Voices: voices, Provider: provider, Default: orchestrator.DefaultVoice(provider)}, nil
}

func localProviders(configPath string) ([]announcer.ProviderInfo, error) {
	cfg, log, closeLog, err := bootstrap(configPath)
	if err != nil {
		return nil, err
	}
	defer closeLog()

	orchestrator, err := buildAnnouncer(cfg, log)
	if err != nil {
		return nil, err
	}
	defer orchestrator.Close()

	return orchestrator.ListProviders(), nil
}

func printVoices(out io.Writer, voices api.VoicesResponse) error {
	writer := tabwriter.NewWriter(out, tabMinWidth, tabWidth, tabPadding, ' ', 0)

	fmt.Fprintln(writer, "\tID\tSPEAKER\tLOCALE\tQUALITY")

	for _, voice := range voices.Voices {
		marker := ""
		if voice.ID == voices.Default {
			marker = "*"
		}

		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n", marker, voice.ID, voice.Speaker, voice.Locale, voice.Quality)
	}

	err := writer.Flush()
	if err != nil {
		return fmt.Errorf("failed to write voices: %w", err)
	}

	return nil
}

func printProviders(out io.Writer, providers []announcer.ProviderInfo) error {
	writer := tabwriter.NewWriter(out, tabMinWidth, tabWidth, tabPadding, ' ', 0)

	fmt.Fprintln(writer, "\tID\tLABEL\tCONFIGURED")

	for _, provider := range providers {
		marker := ""
		if provider.Default {
			marker = "*"
		}

		fmt.Fprintf(writer, "%s\t%s\t%s\t%t\n", marker, provider.ID, provider.Label, provider.Configured)
	}

	err := writer.Flush()
	if err != nil {
		return fmt.Errorf("failed to write providers: %w", err)
	}

	return nil
}
