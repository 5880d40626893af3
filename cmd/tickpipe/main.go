// tickpipe replays or executes an intraday signal pipeline: backtest over
// historical feature files, live streaming execution, and parameter search.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/quantfold/tickpipe/internal/adapter"
	"github.com/quantfold/tickpipe/internal/backtest"
	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/execlog"
	"github.com/quantfold/tickpipe/internal/execstore"
	"github.com/quantfold/tickpipe/internal/executor"
	"github.com/quantfold/tickpipe/internal/live"
	"github.com/quantfold/tickpipe/internal/metrics"
	"github.com/quantfold/tickpipe/internal/opt"
	"github.com/quantfold/tickpipe/internal/stream"
)

var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tickpipe",
		Short:         "Intraday signal and execution pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
			setupLogging()
		},
	}
	// accept underscore spellings for every flag
	root.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "config/config.yaml", "config file path")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	root.AddCommand(backtestCmd(), liveCmd(), optimizeCmd())
	return root
}

func setupLogging() {
	level := zerolog.InfoLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func loadConfig() (*config.Config, error) {
	// Load layers file values over defaults and applies env overrides.
	return config.Load(flagConfig)
}

func resolveRunID(explicit string) string {
	if explicit != "" {
		return config.RunID(explicit)
	}
	fallback := time.Now().UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
	return config.RunID(fallback)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func backtestCmd() *cobra.Command {
	var (
		dataDir string
		outDir  string
		symbols []string
		startMs int64
		endMs   int64
		minutes int
		session string
		runID   string
	)
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay historical data and write trades, daily PnL and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			id := resolveRunID(runID)
			log.Info().Str("run_id", id).Str("data", dataDir).Msg("starting backtest")

			res, err := backtest.NewRunner(cfg, id).Run(ctx, backtest.Params{
				DataDir:    dataDir,
				OutDir:     outDir,
				Symbols:    symbols,
				StartMs:    startMs,
				EndMs:      endMs,
				Minutes:    minutes,
				Session:    session,
				PushSymbol: strings.Join(symbols, ","),
			})
			if err != nil {
				return err
			}
			if res.Rows == 0 {
				log.Warn().Msg("no input rows matched the requested slice")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data", "data", "input data root")
	cmd.Flags().StringVar(&outDir, "out", "out/backtest", "artifact output directory")
	cmd.Flags().StringSliceVar(&symbols, "symbols", nil, "symbols to include (all when empty)")
	cmd.Flags().Int64Var(&startMs, "start-ms", 0, "start of time slice, epoch ms")
	cmd.Flags().Int64Var(&endMs, "end-ms", 0, "end of time slice, epoch ms")
	cmd.Flags().IntVar(&minutes, "minutes", 0, "limit to first N minutes of data")
	cmd.Flags().StringVar(&session, "session", "", "session label filter")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (RUN_ID env wins)")
	return cmd
}

func liveCmd() *cobra.Command {
	var (
		source      string
		wsURL       string
		redisAddr   string
		redisStream string
		redisDB     int
		symbols     []string
		outDir      string
		runID       string
	)
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Consume a live feature stream and execute confirmed signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			id := resolveRunID(runID)

			var src stream.Source
			switch source {
			case "ws":
				if wsURL == "" {
					return fmt.Errorf("--ws-url is required for the ws source")
				}
				src = stream.NewWSSource(wsURL)
			case "redis":
				src = stream.NewRedisSource(redisAddr, os.Getenv("REDIS_PASSWORD"), redisDB, redisStream)
			default:
				return fmt.Errorf("unknown stream source %q", source)
			}
			defer src.Close()

			exec, err := buildExecutor(cfg, id, outDir)
			if err != nil {
				return err
			}
			defer exec.Close()

			log.Info().Str("run_id", id).Str("source", source).Strs("symbols", symbols).
				Str("mode", exec.Mode()).Msg("starting live execution")
			return live.New(cfg, id, exec, nil).Run(ctx, src, symbols)
		},
	}
	cmd.Flags().StringVar(&source, "source", "ws", "feature source: ws or redis")
	cmd.Flags().StringVar(&wsURL, "ws-url", "", "websocket feature feed URL")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "redis address")
	cmd.Flags().StringVar(&redisStream, "redis-stream", "tickpipe:features", "redis stream key")
	cmd.Flags().IntVar(&redisDB, "redis-db", 0, "redis database")
	cmd.Flags().StringSliceVar(&symbols, "symbols", nil, "symbols to trade (all when empty)")
	cmd.Flags().StringVar(&outDir, "out", "out/live", "outbox and store directory")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (RUN_ID env wins)")
	return cmd
}

// buildExecutor assembles the executor variant with its adapter, outbox and
// store per config.
func buildExecutor(cfg *config.Config, runID, outDir string) (executor.Executor, error) {
	if cfg.Adapter.Impl != "" && cfg.Adapter.Impl != cfg.Executor.Mode {
		log.Warn().Str("adapter", cfg.Adapter.Impl).Str("executor", cfg.Executor.Mode).
			Msg("adapter impl disagrees with executor mode")
	}

	outboxDir := cfg.Executor.OutboxDir
	if outboxDir == "" {
		outboxDir = filepath.Join(outDir, "execlog")
	}
	sink := execlog.NewSink(outboxDir, execlog.Options{
		FsyncEveryN: cfg.Executor.FsyncEveryN,
		SampleRate:  cfg.Executor.SampleRate,
		Writer:      cfg.Executor.Mode,
	})

	switch cfg.Executor.Mode {
	case "backtest":
		return executor.NewBacktestExecutor(cfg.Executor, cfg.Backtest, sink), nil
	case "testnet":
		var transport adapter.Transport
		if cfg.Adapter.VenueURL != "" {
			transport = adapter.NewHTTPTransport("testnet", cfg.Adapter.VenueURL, cfg.Adapter.DryRun)
		} else {
			transport = adapter.NewSimTransport("testnet", cfg.Backtest.TakerFeeBps)
		}
		venue := adapter.NewVenueAdapter(cfg.Adapter, transport)
		return executor.NewTestnetExecutor(cfg.Executor, venue, sink), nil
	case "live":
		if cfg.Adapter.VenueURL == "" {
			return nil, fmt.Errorf("live mode requires adapter.venue_url")
		}
		transport := adapter.NewHTTPTransport("live", cfg.Adapter.VenueURL, cfg.Adapter.DryRun)
		venue := adapter.NewVenueAdapter(cfg.Adapter, transport)
		storePath := cfg.Executor.StorePath
		if storePath == "" {
			storePath = filepath.Join(outDir, "executions.db")
		}
		store, err := execstore.Open(storePath)
		if err != nil {
			return nil, err
		}
		return executor.NewLiveExecutor(cfg.Executor, runID, venue, sink, store)
	default:
		return nil, fmt.Errorf("unknown executor mode %q", cfg.Executor.Mode)
	}
}

func optimizeCmd() *cobra.Command {
	var (
		dataDir   string
		outDir    string
		spacePath string
		symbols   []string
		parallel  int
		runID     string
	)
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Search signal parameters by scoring repeated backtests",
		RunE: func(cmd *cobra.Command, args []string) error {
			baseCfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			space, err := loadSpace(spacePath)
			if err != nil {
				return err
			}
			id := resolveRunID(runID)

			var trial atomic.Int64
			result, err := opt.Optimize(ctx, space, opt.DefaultPenalties(), parallel,
				func(ctx context.Context, c opt.Candidate) (*metrics.Summary, error) {
					cfg, err := cloneConfig(baseCfg)
					if err != nil {
						return nil, err
					}
					c.Apply(cfg)
					if err := cfg.Validate(); err != nil {
						return nil, err
					}
					trialID := fmt.Sprintf("%s-t%03d", id, trial.Add(1))
					res, err := backtest.NewRunner(cfg, trialID).Run(ctx, backtest.Params{
						DataDir: dataDir,
						OutDir:  filepath.Join(outDir, trialID),
						Symbols: symbols,
					})
					if err != nil {
						return nil, err
					}
					return res.Summary, nil
				})
			if err != nil {
				return err
			}

			log.Info().Float64("best_score", result.BestScore).Int("evaluated", result.Evaluated).
				Float64("w_ofi", result.Best.WOFI).Msg("optimization complete")
			return backtest.WriteJSON(filepath.Join(outDir, "optimize_result.json"), result)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data", "data", "input data root")
	cmd.Flags().StringVar(&outDir, "out", "out/optimize", "trial output directory")
	cmd.Flags().StringVar(&spacePath, "space", "config/space.yaml", "search space YAML")
	cmd.Flags().StringSliceVar(&symbols, "symbols", nil, "symbols to include")
	cmd.Flags().IntVar(&parallel, "parallel", 2, "concurrent trials")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier prefix")
	return cmd
}

func loadSpace(path string) (*opt.Space, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read search space: %w", err)
	}
	var space opt.Space
	if err := yaml.Unmarshal(raw, &space); err != nil {
		return nil, fmt.Errorf("parse search space: %w", err)
	}
	return &space, nil
}

// cloneConfig deep-copies through YAML so trials never share nested maps.
func cloneConfig(cfg *config.Config) (*config.Config, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var out config.Config
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
