// main package for castlecall
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/book-expert/logger"
	"github.com/ctf2009/castlecall/internal/config"
	"github.com/spf13/cobra"
)

const (
	bootstrapLogFile = "castlecall-bootstrap.log"
	logFile          = "castlecall.log"
)

// rootOptions are the flags every command shares.
type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	options := &rootOptions{configPath: ""}

	cmd := &cobra.Command{
		Use:           "castlecall",
		Short:         "Speak announcements through the house speaker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&options.configPath, "config", "c", "",
		"Path to a TOML config file (defaults to the shared project configuration)")

	cmd.AddCommand(
		newServeCommand(options),
		newAnnounceCommand(options),
		newVoicesCommand(options),
		newProvidersCommand(options),
	)

	return cmd
}

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

// bootstrap loads the configuration with a temporary logger, then opens the final
// logger in the configured directory. The returned close function is never nil.
func bootstrap(configPath string) (*config.Config, *logger.Logger, func(), error) {
	noop := func() {}

	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		return nil, nil, noop, fmt.Errorf("failed to create bootstrap logger: %w", err)
	}

	// 2. Load configuration from the file, the shared configurator and the environment
	cfg, err := config.Load(configPath, bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)
		closeLogger(bootstrapLog)

		return nil, nil, noop, fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Logging.Dir, logFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)
		closeLogger(bootstrapLog)

		return nil, nil, noop, fmt.Errorf("failed to create final logger: %w", err)
	}

	closeLogger(bootstrapLog)

	return cfg, finalLog, func() { closeLogger(finalLog) }, nil
}

func closeLogger(log *logger.Logger) {
	closeErr := log.Close()
	if closeErr != nil {
		fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
	}
}

func main() {
	err := newRootCommand().ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "castlecall: %v\n", err)
		os.Exit(1)
	}
}
