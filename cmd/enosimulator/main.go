package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/ad-ctf-simulator/internal/logging"
	"github.com/signalsfoundry/ad-ctf-simulator/internal/observability"
	"github.com/signalsfoundry/ad-ctf-simulator/internal/orchestrator"
	"github.com/signalsfoundry/ad-ctf-simulator/internal/protocol"
	"github.com/signalsfoundry/ad-ctf-simulator/internal/setup"
	"github.com/signalsfoundry/ad-ctf-simulator/internal/sim"
	"github.com/signalsfoundry/ad-ctf-simulator/internal/sim/state"
	"github.com/signalsfoundry/ad-ctf-simulator/internal/submitter"
)

const teardownTimeout = 10 * time.Minute

type options struct {
	configPath  string
	secretsPath string
	setupRoot   string
	metricsAddr string
	verbose     bool
	debug       bool
	destroy     bool
}

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "enosimulator",
		Short:         "Simulate an attack/defense CTF competition",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $"+setup.EnvConfigPath+")")
	root.PersistentFlags().StringVarP(&opts.secretsPath, "secrets", "s", "", "secrets file (default $"+setup.EnvSecretsPath+")")
	root.PersistentFlags().StringVar(&opts.setupRoot, "setup-dir", "test-setup", "directory holding one setup per location")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "log debug information")

	run := &cobra.Command{
		Use:   "run",
		Short: "Provision the competition and play every round",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.destroy {
				return destroyCmd(cmd.Context(), opts)
			}
			return runCmd(cmd.Context(), opts)
		},
	}
	run.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "show attack info and host statistics each round")
	run.Flags().BoolVarP(&opts.destroy, "destroy", "D", false, "only destroy the infrastructure of a previous run")
	run.Flags().StringVar(&opts.metricsAddr, "metrics-addr", ":9090", "HTTP address for Prometheus /metrics, empty to disable")

	destroy := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy the infrastructure of a previous run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return destroyCmd(cmd.Context(), opts)
		},
	}

	root.AddCommand(run, destroy)
	return root
}

func newLogger(opts *options) logging.Logger {
	if opts.debug {
		return logging.New(logging.Config{Level: "debug", Format: os.Getenv("LOG_FORMAT")})
	}
	return logging.NewFromEnv()
}

func loadSetup(opts *options, log logging.Logger) (*setup.Setup, *setup.Config, *setup.Secrets, error) {
	configPath := setup.ResolvePath(opts.configPath, setup.EnvConfigPath)
	secretsPath := setup.ResolvePath(opts.secretsPath, setup.EnvSecretsPath)
	if configPath == "" {
		return nil, nil, nil, fmt.Errorf("%w: pass --config or set %s", setup.ErrConfig, setup.EnvConfigPath)
	}
	if secretsPath == "" {
		return nil, nil, nil, fmt.Errorf("%w: pass --secrets or set %s", setup.ErrConfig, setup.EnvSecretsPath)
	}

	cfg, err := setup.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	secrets, err := setup.LoadSecrets(secretsPath)
	if err != nil {
		return nil, nil, nil, err
	}

	dir := filepath.Join(opts.setupRoot, string(cfg.Location()))
	s, err := setup.New(cfg, secrets, dir, setup.ShellRunner(os.Stdout, log), log)
	if err != nil {
		return nil, nil, nil, err
	}
	return s, cfg, secrets, nil
}

func destroyCmd(ctx context.Context, opts *options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, log := logging.WithRunLogger(ctx, newLogger(opts))
	s, _, _, err := loadSetup(opts, log)
	if err != nil {
		return err
	}
	return s.Destroy(ctx)
}

func runCmd(parent context.Context, opts *options) (err error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, log := logging.WithRunLogger(ctx, newLogger(opts))

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewSimulationCollector(nil)
	if err != nil {
		return fmt.Errorf("initialise metrics: %w", err)
	}
	if srv := serveMetrics(opts.metricsAddr, collector, log); srv != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	s, cfg, secrets, err := loadSetup(opts, log)
	if err != nil {
		return err
	}

	// Infrastructure is torn down however the run ends, including on
	// interrupt, so it must not inherit the cancelled context.
	defer func() {
		teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if derr := s.Destroy(teardownCtx); derr != nil {
			log.Error(teardownCtx, "teardown failed", logging.Err(derr))
			err = errors.Join(err, derr)
		}
	}()

	if err := s.Configure(ctx); err != nil {
		return err
	}
	if err := s.BuildInfra(ctx); err != nil {
		return err
	}
	if err := s.Deploy(ctx); err != nil {
		return err
	}

	registry, err := s.BuildRegistry(log, state.WithScoreRecorder(collector))
	if err != nil {
		return err
	}

	orch, err := newOrchestrator(s, cfg, secrets, registry, collector, log)
	if err != nil {
		return err
	}
	if err := orch.DiscoverServices(ctx); err != nil {
		return fmt.Errorf("service discovery: %w", err)
	}

	simulation, err := sim.New(sim.Config{
		Type:            cfg.SimulationType(),
		DurationMinutes: cfg.Settings.DurationInMinutes,
		RoundLength:     cfg.RoundLength(),
		Verbose:         opts.verbose,
	}, registry, orch, log,
		sim.WithOutput(os.Stdout),
		sim.WithRoundRecorder(collector),
	)
	if err != nil {
		return err
	}

	if err := simulation.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info(ctx, "simulation interrupted")
			return nil
		}
		return err
	}
	log.Info(ctx, "simulation finished")
	return nil
}

func newOrchestrator(s *setup.Setup, cfg *setup.Config, secrets *setup.Secrets, registry *state.Registry, collector *observability.SimulationCollector, log logging.Logger) (*orchestrator.Orchestrator, error) {
	engineURL, err := s.EngineURL()
	if err != nil {
		return nil, err
	}
	enginePrivate, err := s.EnginePrivateAddress()
	if err != nil {
		return nil, err
	}
	signer, err := submitter.LoadSigner(secrets.VMSecrets.SSHPrivateKeyPath)
	if err != nil {
		return nil, err
	}
	sub, err := submitter.New(submitter.Config{
		User:       cfg.Location().LoginUser(),
		Signer:     signer,
		EngineAddr: enginePrivate,
	}, log)
	if err != nil {
		return nil, err
	}

	prefix, err := protocol.NewRunPrefix()
	if err != nil {
		return nil, err
	}
	log.Info(context.Background(), "task chain prefix", logging.String("prefix", prefix))

	return orchestrator.New(
		orchestrator.Config{EngineURL: engineURL, IPs: s.IPs()},
		registry,
		protocol.NewCodec(prefix),
		sub,
		log,
		orchestrator.WithRecorder(collector),
	)
}

func serveMetrics(addr string, collector *observability.SimulationCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
