package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pageassist/assist/internal/config"
	"github.com/pageassist/assist/internal/logging"
)

const defaultConfigPath = "assist.yaml"

var (
	// Global flags
	configPath string
	verbose    bool
	backendURL string
	token      string

	// Page flags shared by tui, ask and page
	pageURL    string
	controlURL string
	mode       string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "assist",
	Short: "Ask questions about the web page you are reading",
	Long: `assist answers questions about a web page through an answering backend,
streaming its progress while the answer is prepared.

Run without a subcommand to start the terminal interface.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cmd.Flags().Changed("config") {
			cfg, err = config.Load(configPath)
		} else {
			cfg, err = config.LoadOrDefault(defaultConfigPath)
		}
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := applyFlags(cmd, cfg); err != nil {
			return err
		}

		logger, err = logging.New(cfg.Log, verbose)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runTUI,
}

// applyFlags overlays explicitly set flags onto the loaded config.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend.BaseURL = backendURL
	}
	if flags.Changed("token") {
		cfg.Backend.Token = token
	}
	if flags.Changed("url") {
		cfg.Page.URL = pageURL
	}
	if flags.Changed("control-url") {
		cfg.Page.ControlURL = controlURL
	}
	if flags.Changed("mode") {
		if !config.ValidMode(mode) {
			return fmt.Errorf("unknown mode %q (want one of %v)", mode, config.Modes)
		}
		cfg.DefaultMode = mode
	}
	return nil
}

func addPageFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&pageURL, "url", "", "Address of a page to fetch and read")
	cmd.Flags().StringVar(&controlURL, "control-url", "", "Chrome DevTools URL of a running browser")
	cmd.Flags().StringVarP(&mode, "mode", "m", config.ModeNarrated, "Answer mode: simple, narrated or direct")
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "", "Base URL of the answering backend")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token for the backend")

	addPageFlags(rootCmd)
	addPageFlags(tuiCmd)
	addPageFlags(askCmd)
	addPageFlags(pageCmd)

	crawlCmd.Flags().IntVar(&crawlMaxPages, "max-pages", 0, "Stop after this many pages (overrides config)")
	crawlCmd.Flags().IntVar(&crawlWorkers, "workers", 0, "Concurrent fetches (overrides config)")
	crawlCmd.Flags().Float64Var(&crawlRate, "rps", 0, "Requests per second, 0 for unlimited (overrides config)")

	mockCmd.Flags().StringVar(&mockHost, "host", "", "Listen host (overrides config)")
	mockCmd.Flags().IntVarP(&mockPort, "port", "p", 0, "Listen port (overrides config)")

	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(crawlCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pageCmd)
	rootCmd.AddCommand(mockCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errQuiet) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// errQuiet marks a failure that has already been reported to the user.
var errQuiet = errors.New("failed")
