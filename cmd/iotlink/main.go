package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/iotlink"
	"github.com/glimte/iotlink/config"
	"github.com/glimte/iotlink/contracts"
	"github.com/glimte/iotlink/health"
	"github.com/glimte/iotlink/interceptors"
	"github.com/glimte/iotlink/messaging"
	"github.com/glimte/iotlink/monitor"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type globalFlags struct {
	configPath  string
	connString  string
	deviceID    string
	logLevel    string
	metricsAddr string

	// logOutput defaults to stderr
	logOutput io.Writer
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "iotlink",
		Short: "Send telemetry and receive commands through an iotlink connector",
		Long: `iotlink batches telemetry towards an AMQP, MQTT or Redis endpoint and
receives device commands, completing or abandoning each one.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "HCL config file")
	rootCmd.PersistentFlags().StringVar(&flags.connString, "conn", "", "Connection string (Endpoint=...;DeviceId=...)")
	rootCmd.PersistentFlags().StringVarP(&flags.deviceID, "device", "d", "", "Device id")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")

	rootCmd.AddCommand(sendCommand(&flags), listenCommand(&flags), receiveOnceCommand(&flags), watchCommand(&flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig applies defaults, the config file, IOTLINK_* variables and flags in that order
func loadConfig(flags *globalFlags) (config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		var err error
		cfg, err = config.Load(flags.configPath)
		if err != nil {
			return cfg, err
		}
	}

	cfg, err := config.FromEnv(cfg)
	if err != nil {
		return cfg, err
	}

	if flags.connString != "" {
		cfg.ConnectionString = flags.connString
	}
	if flags.deviceID != "" {
		cfg.DeviceID = flags.deviceID
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.metricsAddr != "" {
		cfg.MetricsAddr = flags.metricsAddr
	}
	return cfg, nil
}

type session struct {
	connector *iotlink.Connector
	metrics   *monitor.SimpleMetricsCollector
	logger    *slog.Logger
	server    *http.Server
}

func openSession(ctx context.Context, flags *globalFlags, mutate func(*config.Config), opts ...iotlink.Option) (*session, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(&cfg)
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logOutput := flags.logOutput
	if logOutput == nil {
		logOutput = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(logOutput, &slog.HandlerOptions{Level: level}))

	s := &session{
		metrics: monitor.NewSimpleMetricsCollector(),
		logger:  logger,
	}

	var collector messaging.MetricsCollector = s.metrics
	if cfg.MetricsAddr != "" {
		prom, err := monitor.NewPrometheusCollector(prometheus.DefaultRegisterer, "iotlink")
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		collector = fanout{s.metrics, prom}
	}

	opts = append([]iotlink.Option{
		iotlink.WithLogger(logger),
		iotlink.WithMetrics(collector),
		iotlink.WithInterceptors(interceptors.NewLoggingInterceptor(logger)),
	}, opts...)
	s.connector, err = iotlink.Open(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		s.serve(cfg.MetricsAddr)
	}
	return s, nil
}

func (s *session) healthRegistry() *health.Registry {
	registry := health.NewRegistry()
	registry.SetMetadata("device", s.connector.DeviceID())
	registry.SetMetadata("connector", s.connector.Name())
	registry.SetMetadata("version", version)
	if conn, ok := s.connector.Transport().(messaging.ConnectionChecker); ok {
		registry.Register(health.NewTransportChecker(s.connector.Name(), conn))
	}
	if queue, ok := s.connector.Transport().(messaging.QueueInspector); ok {
		registry.Register(health.NewQueueChecker(queue, 0, 0))
	}
	registry.Register(health.NewBacklogChecker(s.metrics.Pending, 1000, 10000))
	return registry
}

func (s *session) serve(addr string) {
	registry := s.healthRegistry()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
	mux.Handle("/livez", health.LivenessHandler())

	s.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	s.logger.Info("serving metrics", "addr", addr)
}

func (s *session) close() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
	if err := s.connector.Close(); err != nil {
		s.logger.Error("failed to close connector", "error", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func sendCommand(flags *globalFlags) *cobra.Command {
	var batchSize, retries int

	cmd := &cobra.Command{
		Use:   "send [payload...]",
		Short: "Send payloads as telemetry",
		Long: `Send each argument, or each line of stdin when no arguments are given.
JSON values are sent as objects, anything else as a string. Whatever is
left below the batch size is flushed at the end.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			s, err := openSession(ctx, flags, func(cfg *config.Config) {
				if batchSize > 0 {
					cfg.MessagesPerBatch = batchSize
				}
				if retries > 0 {
					cfg.Retries = retries
				}
			})
			if err != nil {
				return err
			}
			defer s.close()

			payloads := args
			if len(payloads) == 0 {
				payloads, err = readLines(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}

			for _, p := range payloads {
				if _, err := s.connector.Send(ctx, parsePayload(p)); err != nil {
					return err
				}
			}
			if _, err := s.connector.Flush(ctx); err != nil {
				return err
			}

			summary := s.metrics.GetMetricsSummary()
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d messages in %d batches (%d retries)\n",
				summary.Messages[messaging.OutcomeSent], summary.Batches[messaging.OutcomeSent], summary.Retries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&batchSize, "batch", "b", 0, "Messages per batch (overrides config)")
	cmd.Flags().IntVarP(&retries, "retries", "r", 0, "Send attempts per batch (overrides config)")
	return cmd
}

func listenCommand(flags *globalFlags) *cobra.Command {
	var abandon bool
	var handlerTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Receive commands until interrupted",
		Long:  "Print every received command to stdout and complete it. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			var opts []iotlink.Option
			if handlerTimeout > 0 {
				opts = append(opts, iotlink.WithInterceptors(interceptors.NewTimeoutInterceptor(handlerTimeout)))
			}
			s, err := openSession(ctx, flags, nil, opts...)
			if err != nil {
				return err
			}
			defer s.close()

			out := cmd.OutOrStdout()
			loop, err := s.connector.StartReceiving(ctx, func(ctx context.Context, payload []byte) bool {
				fmt.Fprintln(out, string(payload))
				return !abandon
			})
			if err != nil {
				return err
			}

			<-loop.Done()

			summary := s.metrics.GetMetricsSummary()
			fmt.Fprintf(out, "completed %d, abandoned %d\n",
				summary.Received[messaging.OutcomeCompleted], summary.Received[messaging.OutcomeAbandoned])
			return nil
		},
	}
	cmd.Flags().BoolVar(&abandon, "abandon", false, "Abandon instead of completing every command")
	cmd.Flags().DurationVar(&handlerTimeout, "handler-timeout", 0, "Abandon commands not handled within this time")
	return cmd
}

func receiveOnceCommand(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "receive-once",
		Short: "Receive a single command",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			s, err := openSession(ctx, flags, nil)
			if err != nil {
				return err
			}
			defer s.close()

			out := cmd.OutOrStdout()
			err = s.connector.ReceiveOnce(ctx,
				func(ctx context.Context, payload []byte) bool {
					fmt.Fprintln(out, string(payload))
					return true
				},
				func(ctx context.Context, err error) bool {
					return false
				},
				timeout,
			)
			if errors.Is(err, contracts.ErrNoMessage) {
				fmt.Fprintln(cmd.ErrOrStderr(), "no message")
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "How long to wait (default from config)")
	return cmd
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func parsePayload(s string) any {
	var v any
	if json.Unmarshal([]byte(s), &v) == nil {
		return v
	}
	return s
}

// fanout reports to several collectors
type fanout []messaging.MetricsCollector

func (f fanout) RecordBatch(outcome string, size int, attempts int, duration time.Duration) {
	for _, c := range f {
		c.RecordBatch(outcome, size, attempts, duration)
	}
}

func (f fanout) RecordRetry(size int) {
	for _, c := range f {
		c.RecordRetry(size)
	}
}

func (f fanout) RecordReceive(outcome string) {
	for _, c := range f {
		c.RecordReceive(outcome)
	}
}

func (f fanout) RecordError(component string, errorType string) {
	for _, c := range f {
		c.RecordError(component, errorType)
	}
}

func (f fanout) SetPending(n int) {
	for _, c := range f {
		c.SetPending(n)
	}
}
