package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/nnoe-agent/pkg/adapters/audit"
	"github.com/cuemby/nnoe-agent/pkg/adapters/dhcp"
	"github.com/cuemby/nnoe-agent/pkg/adapters/dnsauth"
	"github.com/cuemby/nnoe-agent/pkg/adapters/filter"
	"github.com/cuemby/nnoe-agent/pkg/adapters/pdp"
	"github.com/cuemby/nnoe-agent/pkg/agentcfg"
	"github.com/cuemby/nnoe-agent/pkg/cache"
	"github.com/cuemby/nnoe-agent/pkg/log"
	"github.com/cuemby/nnoe-agent/pkg/metrics"
	"github.com/cuemby/nnoe-agent/pkg/orchestrator"
	"github.com/cuemby/nnoe-agent/pkg/overlay"
	"github.com/cuemby/nnoe-agent/pkg/security"
	"github.com/cuemby/nnoe-agent/pkg/store"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var cfg *agentcfg.Config

var rootCmd = &cobra.Command{
	Use:     "nnoe-agent",
	Short:   "nnoe-agent runs the DNS/DHCP/DDI per-node orchestration agent",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"nnoe-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "/etc/nnoe-agent/config.yaml", "path to the agent configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "force JSON log output regardless of the configured format")
	rootCmd.PersistentFlags().Bool("debug", false, "shorthand for --log-level debug")

	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "address for the /metrics, /health, /ready, /live HTTP endpoints")

	cobra.OnInitialize(initConfigAndLogging)

	// run is the default: invoking the binary with no subcommand runs it.
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runCmd.RunE(runCmd, args)
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

// initConfigAndLogging loads the agent configuration and initializes
// logging from it, applying any CLI flag overrides. It runs before every
// subcommand's RunE so run, validate, and version all see a populated cfg.
func initConfigAndLogging() {
	configPath, _ := rootCmd.PersistentFlags().GetString("config")

	loaded, err := agentcfg.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg = loaded

	if level, _ := rootCmd.PersistentFlags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if debug, _ := rootCmd.PersistentFlags().GetBool("debug"); debug {
		cfg.Logging.Level = string(log.DebugLevel)
	}
	if jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json"); jsonOut {
		cfg.Logging.JSON = true
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSON,
	})
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("nnoe-agent version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent: connect to the store, boot adapters, and watch for config changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		log.Info("nnoe-agent starting")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		st, err := store.New(ctx, cfg.Store)
		if err != nil {
			return fmt.Errorf("connect to store: %w", err)
		}
		defer st.Close()
		metrics.RegisterComponent("store", true, "connected")

		ca, err := cache.New(cfg.Cache)
		if err != nil {
			return fmt.Errorf("open cache: %w", err)
		}
		metrics.RegisterComponent("cache", true, "opened")

		var ov *overlay.Supervisor
		if cfg.Overlay.Enabled {
			ov = overlay.New(cfg.Overlay)
			metrics.RegisterComponent("overlay", true, "configured")
		}

		orch := orchestrator.New(*cfg, st, ca, ov)

		if cfg.Node.Role == agentcfg.RoleDbOnly {
			log.Info("node role is db-only; skipping adapter construction")
		} else if err := registerAdapters(ctx, orch, cfg, st); err != nil {
			return fmt.Errorf("register adapters: %w", err)
		}

		metrics.SetVersion(Version)

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/health", metrics.HealthHandler())
			mux.Handle("/ready", metrics.ReadyHandler())
			mux.Handle("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.WithComponent("cmd").Error().Err(err).Msg("metrics server exited")
			}
		}()
		log.WithComponent("cmd").Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

		go orch.Run(ctx)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")

		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		orch.Shutdown(shutdownCtx)

		log.Info("shutdown complete")
		return nil
	},
}

// registerAdapters constructs and registers every adapter named by an
// enabled services block in cfg.
func registerAdapters(ctx context.Context, orch *orchestrator.Orchestrator, cfg *agentcfg.Config, st *store.Client) error {
	if d := cfg.Services.DNS; d != nil && d.Enabled {
		if err := orch.Register(ctx, dnsauth.New(*d), nil); err != nil {
			return err
		}
	}
	if d := cfg.Services.DHCP; d != nil && d.Enabled {
		if err := orch.Register(ctx, dhcp.New(*d, st, cfg.Node.Name), nil); err != nil {
			return err
		}
	}
	if d := cfg.Services.Filter; d != nil && d.Enabled {
		if err := orch.Register(ctx, filter.New(*d), nil); err != nil {
			return err
		}
	}
	if d := cfg.Services.PDP; d != nil && d.Enabled {
		if err := orch.Register(ctx, pdp.New(*d), nil); err != nil {
			return err
		}
	}
	if d := cfg.Services.Audit; d != nil && d.Enabled {
		if err := orch.Register(ctx, audit.New(*d, st, cfg.Node.Name), nil); err != nil {
			return err
		}
	}
	return nil
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file and provisioned mTLS material without connecting to the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		// cfg was already loaded and validated by initConfigAndLogging
		// (run via cobra.OnInitialize); reaching RunE means agentcfg.Load
		// and cfg.Validate() already succeeded.
		fmt.Printf("config OK: node=%s role=%s store_endpoints=%d\n", cfg.Node.Name, cfg.Node.Role, len(cfg.Store.Endpoints))

		if cfg.Store.TLS == nil {
			fmt.Println("store.tls: not configured, skipping certificate checks")
			return nil
		}

		tc := cfg.Store.TLS
		if !security.CertFilesExist(tc.Cert, tc.Key, tc.CACert) {
			return fmt.Errorf("one or more of cert=%s key=%s ca=%s does not exist", tc.Cert, tc.Key, tc.CACert)
		}

		cert, err := security.LoadCertFromFile(tc.Cert, tc.Key)
		if err != nil {
			return fmt.Errorf("load store client certificate: %w", err)
		}

		ca, err := security.LoadCACertFromFile(tc.CACert)
		if err != nil {
			return fmt.Errorf("load store CA certificate: %w", err)
		}

		if err := security.ValidateCertChain(cert.Leaf, ca); err != nil {
			return fmt.Errorf("validate certificate chain: %w", err)
		}

		info := security.GetCertInfo(cert.Leaf)
		fmt.Printf("store mTLS certificate OK: subject=%v not_after=%v\n", info["subject"], info["not_after"])

		if security.CertNeedsRotation(cert.Leaf) {
			fmt.Printf("warning: certificate expires in %s, rotation recommended\n", security.GetCertTimeRemaining(cert.Leaf))
		}

		return nil
	},
}
