package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/stratoslabs/qmux/pkg/adapter/memory"
	"github.com/stratoslabs/qmux/pkg/adapter/postgres"
	"github.com/stratoslabs/qmux/pkg/config"
	"github.com/stratoslabs/qmux/pkg/logger"
	"github.com/stratoslabs/qmux/pkg/mux"
	"github.com/stratoslabs/qmux/pkg/pool"
)

var version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:   "qmux",
		Short: "qmux - query multiplexer over a bounded connection pool",
		Long: `qmux multiplexes many concurrent logical data-access requests over a
bounded pool of physical database connections, forming connection-efficient
batches while honoring per-request priority and timeout.`,
	}

	root.PersistentFlags().String("config", "", "path to YAML configuration file")
	root.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(versionCmd(), configCmd(), runCmd(), serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("qmux v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// loadConfig merges defaults, an optional YAML file, QMUX_* environment
// variables and flag overrides, in that order.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	v := viper.New()
	v.SetEnvPrefix("QMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.IsSet("pool.max_connections") {
		cfg.Pool.MaxConnections = v.GetInt("pool.max_connections")
	}
	if v.IsSet("pool.min_connections") {
		cfg.Pool.MinConnections = v.GetInt("pool.min_connections")
	}
	if v.IsSet("scheduler.max_batch_size") {
		cfg.Scheduler.MaxBatchSize = v.GetInt("scheduler.max_batch_size")
	}
	if v.IsSet("scheduler.tick_interval") {
		cfg.Scheduler.TickInterval = v.GetDuration("scheduler.tick_interval")
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Observability.LogLevel = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: "console",
	}); err != nil {
		return nil, err
	}

	return cfg, nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	var output string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.DefaultConfig().Save(output); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringVar(&output, "output", "qmux.yaml", "destination path")

	cmd.AddCommand(initCmd)
	return cmd
}

func runCmd() *cobra.Command {
	var (
		requests int
		latency  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a demo workload against an in-memory backend",
		Long: `Submits a mixed-priority workload against the in-memory adapter and
prints the resulting statistics and health snapshot as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			adapter := memory.New(memory.WithLatency(latency))
			seedDemoData(adapter)

			m, err := mux.New(cfg, memory.Factory(), adapter, mux.WithLogger(logger.Get()))
			if err != nil {
				return err
			}

			ctx := context.Background()
			if err := m.Start(ctx); err != nil {
				return err
			}
			defer m.Close(ctx)

			logger.Info("submitting demo workload", zap.Int("requests", requests))

			futures := make([]*mux.Future, 0, requests)
			for i := 0; i < requests; i++ {
				f, err := m.Submit(ctx, demoOperation(i), demoPriority(i), 10*time.Second)
				if err != nil {
					return err
				}
				futures = append(futures, f)
			}

			for _, f := range futures {
				if _, err := f.Wait(ctx); err != nil {
					logger.Warn("request failed", zap.Error(err))
				}
			}

			return printSnapshot(m)
		},
	}

	cmd.Flags().IntVar(&requests, "requests", 100, "number of demo requests to submit")
	cmd.Flags().DurationVar(&latency, "latency", 2*time.Millisecond, "simulated per-operation backend latency")
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		listen  string
		connStr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the multiplexer with metrics and health endpoints",
		Long: `Starts the multiplexer and serves /metrics (Prometheus), /healthz and
/stats over HTTP. With --postgres, operations execute against PostgreSQL;
without it, the in-memory adapter is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			var (
				factory pool.Factory
				adapter mux.Adapter
			)
			if connStr != "" {
				factory = postgres.NewFactory(connStr)
				adapter = postgres.New(postgres.WithLogger(logger.Get()))
			} else {
				factory = memory.Factory()
				adapter = memory.New()
			}

			m, err := mux.New(cfg, factory, adapter, mux.WithLogger(logger.Get()))
			if err != nil {
				return err
			}

			ctx := context.Background()
			if err := m.Start(ctx); err != nil {
				return err
			}
			defer m.Close(ctx)

			httpMux := http.NewServeMux()
			httpMux.Handle("/metrics", promhttp.Handler())
			httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				health := m.Health()
				w.Header().Set("Content-Type", "application/json")
				if !health.Healthy {
					w.WriteHeader(http.StatusServiceUnavailable)
				}
				_ = gojson.NewEncoder(w).Encode(health)
			})
			httpMux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_ = gojson.NewEncoder(w).Encode(m.Statistics())
			})

			server := &http.Server{
				Addr:              listen,
				Handler:           httpMux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server listening", zap.String("addr", listen))
				errCh <- server.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logger.Info("shutting down", zap.String("signal", sig.String()))
				shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":9090", "HTTP listen address")
	cmd.Flags().StringVar(&connStr, "postgres", "", "PostgreSQL connection string (empty for in-memory backend)")
	return cmd
}

// demoPriority cycles the demo workload through all tiers.
func demoPriority(i int) mux.Priority {
	return mux.Priority(i % 3)
}

func demoOperation(i int) mux.Operation {
	switch i % 4 {
	case 0:
		return mux.Operation{
			Kind:       mux.OpFind,
			Collection: "events",
			Params:     map[string]interface{}{"filter": map[string]interface{}{"kind": "click"}},
		}
	case 1:
		return mux.Operation{
			Kind:       mux.OpCreate,
			Collection: "events",
			Params: map[string]interface{}{
				"record": map[string]interface{}{"id": i, "kind": "view", "value": rand.Intn(100)},
			},
		}
	case 2:
		return mux.Operation{Kind: mux.OpCount, Collection: "events"}
	default:
		return mux.Operation{
			Kind:       mux.OpAggregate,
			Collection: "events",
			Params:     map[string]interface{}{"function": "avg", "column": "value"},
		}
	}
}

func seedDemoData(a *memory.Adapter) {
	rows := make([]map[string]interface{}, 0, 50)
	for i := 0; i < 50; i++ {
		kind := "view"
		if i%3 == 0 {
			kind = "click"
		}
		rows = append(rows, map[string]interface{}{"id": i, "kind": kind, "value": rand.Intn(100)})
	}
	a.Seed("events", rows)
}

func printSnapshot(m *mux.Multiplexer) error {
	snapshot := struct {
		Statistics mux.Statistics `json:"statistics"`
		Health     mux.Health     `json:"health"`
	}{
		Statistics: m.Statistics(),
		Health:     m.Health(),
	}

	out, err := gojson.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
