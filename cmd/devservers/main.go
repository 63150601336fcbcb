package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/riverpath/devservers/internal/api"
	"github.com/riverpath/devservers/internal/banner"
	"github.com/riverpath/devservers/internal/config"
	"github.com/riverpath/devservers/internal/shutdown"
	"github.com/riverpath/devservers/internal/supervisor"
)

var (
	flagConfigPath string
	flagAPIPort    int
	flagLogLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "devservers",
		Short: "Local development server supervisor",
		RunE:  run,
	}
	root.Flags().StringVar(&flagConfigPath, "config", "", "path to settings.json (defaults to ~/.servers/settings.json)")
	root.Flags().IntVar(&flagAPIPort, "api-port", 0, "override the configured Control API port")
	root.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log, err := buildLogger(flagLogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()
	log = log.Named("main")

	configPath := flagConfigPath
	if configPath == "" {
		configPath, err = config.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolve default config path: %w", err)
		}
	}

	store, err := config.NewStore(configPath)
	if err != nil {
		return fmt.Errorf("config store: %w", err)
	}

	mgr := supervisor.NewManager(log, store)

	apiPort := resolveAPIPort(store, log)
	apiSrv := api.NewServer(log, mgr, apiPort)
	if err := apiSrv.Start(); err != nil {
		// Failure to bind the listener is fatal only when
		// the listener is explicitly required, which it is here — the
		// Control API is the only collaborator the CLI/UI can reach.
		return fmt.Errorf("control API: %w", err)
	}
	go func() {
		if err := apiSrv.Serve(); err != nil {
			log.Error("control API serve loop exited", zap.Error(err))
		}
	}()

	coord := shutdown.New(log, mgr, apiSrv)
	coord.Install()

	banner.Startup(fmt.Sprintf("127.0.0.1:%d", apiPort))
	mgr.AutoStartConfigured()

	<-coord.Done()
	return nil
}

// resolveAPIPort prefers --api-port, falling back to the settings file's
// apiPort (itself already defaulted by the Config Store).
func resolveAPIPort(store *config.Store, log *zap.Logger) int {
	if flagAPIPort != 0 {
		return flagAPIPort
	}
	settings, err := store.Load()
	if err != nil {
		log.Warn("could not read apiPort from settings; using default", zap.Error(err))
		return 7378
	}
	return settings.APIPort
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}
