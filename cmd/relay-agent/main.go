// Package main is the entry point for the relay-agent binary. It wires
// every internal package together, runs the connection loop, and — when
// invoked with --worker-mode, which happens only via Spawn's self re-exec —
// short-circuits into the isolated per-execution child path instead.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build the serialiser registry (codecs + blob store)
//  4. Build the target registry (built-in repository)
//  5. Build the connection, session declarer, and manager
//  6. Start the manager's heartbeat loop and the connection loop
//  7. Block until SIGINT/SIGTERM, then abort running executions and exit
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relayhq/agent/internal/blobstore"
	"github.com/relayhq/agent/internal/builtin"
	"github.com/relayhq/agent/internal/connection"
	"github.com/relayhq/agent/internal/manager"
	"github.com/relayhq/agent/internal/serialiser"
	"github.com/relayhq/agent/internal/session"
	"github.com/relayhq/agent/internal/target"
	"github.com/relayhq/agent/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config_ struct {
	serverHost    string
	project       string
	environment   string
	provides      string
	concurrency   int
	launchID      string
	stateDir      string
	blobBaseURL   string
	s3Bucket      string
	s3Prefix      string
	blobThreshold int
	schemaDir     string
	logLevel      string
}

func main() {
	if workerModeRequested() {
		os.Exit(runWorker())
	}
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// workerModeRequested peeks at argv for --worker-mode before cobra parses
// anything, since the re-exec'd child (internal/worker.Spawn) has no
// interest in the rest of the agent's flag surface and must not go through
// the normal connection-oriented startup at all.
func workerModeRequested() bool {
	for _, a := range os.Args[1:] {
		if a == "--worker-mode" {
			return true
		}
	}
	return false
}

// runWorker builds the target and serialiser registries (the two must agree
// with the parent's, since there is no wire-level manifest sync between
// them — they are the same compiled binary) and runs the blocking protocol
// loop, returning the process exit code. The serialiser is configured from
// RELAY_* environment variables only (defaultConfig); settings the parent
// received as command-line flags are not passed on to the worker.
func runWorker() int {
	registry := target.New()
	builtin.Register(registry)

	logger, err := buildLogger(envOrDefault("RELAY_LOG_LEVEL", "info"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay-agent: worker: %v\n", err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck

	reg, err := buildSerialiser(defaultConfig(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay-agent: worker: %v\n", err)
		return 1
	}

	return worker.Serve(registry, reg)
}

func defaultConfig() *config_ {
	return &config_{
		blobBaseURL:   envOrDefault("RELAY_BLOB_URL", ""),
		s3Bucket:      envOrDefault("RELAY_S3_BUCKET", ""),
		s3Prefix:      envOrDefault("RELAY_S3_PREFIX", ""),
		blobThreshold: envOrDefaultInt("RELAY_BLOB_THRESHOLD", 100*1024),
		schemaDir:     envOrDefault("RELAY_SCHEMA_DIR", ""),
	}
}

func newRootCmd() *cobra.Command {
	cfg := defaultConfig()

	root := &cobra.Command{
		Use:   "relay-agent",
		Short: "relay-agent — worker agent for the relay orchestration system",
		Long: `relay-agent runs on each machine that executes workflows, tasks,
and sensors. It connects to the relay server over a persistent WebSocket
session, receives execute/abort commands, and runs each execution in its
own isolated subprocess.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverHost, "server", envOrDefault("RELAY_SERVER", "localhost:7777"), "relay server address (host:port)")
	root.PersistentFlags().StringVar(&cfg.project, "project", envOrDefault("RELAY_PROJECT", ""), "project to register against")
	root.PersistentFlags().StringVar(&cfg.environment, "environment", envOrDefault("RELAY_ENVIRONMENT", "development"), "environment name within the project")
	root.PersistentFlags().StringVar(&cfg.provides, "provides", envOrDefault("RELAY_PROVIDES", ""), "static capability tags, e.g. gpu:a100;region:us-east")
	root.PersistentFlags().IntVar(&cfg.concurrency, "concurrency", envOrDefaultInt("RELAY_CONCURRENCY", 0), "advertised execution concurrency (0 = unset)")
	root.PersistentFlags().StringVar(&cfg.launchID, "launch-id", envOrDefault("RELAY_LAUNCH_ID", ""), "launch id to resume, if this agent was provisioned by one")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("RELAY_STATE_DIR", defaultStateDir()), "directory for per-execution scratch directories")
	root.PersistentFlags().StringVar(&cfg.blobBaseURL, "blob-url", cfg.blobBaseURL, "base URL of the server's blob HTTP endpoint")
	root.PersistentFlags().StringVar(&cfg.s3Bucket, "s3-bucket", cfg.s3Bucket, "optional S3 bucket for direct blob storage (bypasses the server for large blobs)")
	root.PersistentFlags().StringVar(&cfg.s3Prefix, "s3-prefix", cfg.s3Prefix, "key prefix within the S3 bucket")
	root.PersistentFlags().IntVar(&cfg.blobThreshold, "blob-threshold", cfg.blobThreshold, "byte length above which a value envelope tiers into the blob store")
	root.PersistentFlags().StringVar(&cfg.schemaDir, "schema-dir", cfg.schemaDir, "directory of *.json schema documents for validated-model values")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("RELAY_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config_) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.project == "" {
		logger.Warn("no --project configured, the server will reject registration")
	}

	logger.Info("starting relay agent",
		zap.String("version", version),
		zap.String("server", cfg.serverHost),
		zap.String("project", cfg.project),
		zap.String("environment", cfg.environment),
		zap.String("state_dir", cfg.stateDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to prepare state directory: %w", err)
	}

	reg, err := buildSerialiser(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build serialiser registry: %w", err)
	}

	registry := target.New()
	builtin.Register(registry)

	staticProvides := parseProvides(cfg.provides)
	provides := manager.Provides(ctx, staticProvides)

	// handlers is shared by reference with conn: connection.New needs a
	// table up front, but the handlers it calls (Manager.handleExecute/
	// handleAbort) need a *connection.Connection to forward requests
	// through. Building the map empty and populating it once Manager
	// exists breaks the cycle without either side needing a setter.
	handlers := make(map[string]connection.CommandHandler)
	conn := connection.New(connection.Config{
		ServerHost: cfg.serverHost,
		Params: connection.Params{
			Project:     cfg.project,
			Environment: cfg.environment,
			Provides:    provides,
			Concurrency: cfg.concurrency,
			LaunchID:    cfg.launchID,
		},
	}, handlers, logger)

	mgr := manager.New(conn, registry, reg, cfg.stateDir, cfg.concurrency, logger)
	for name, h := range mgr.Handlers() {
		handlers[name] = h
	}
	session.NewDeclarer(conn, registry, logger)

	go mgr.HeartbeatLoop(ctx)

	runErr := conn.Run(ctx)

	logger.Info("shutting down, aborting running executions")
	mgr.AbortAll()

	if runErr != nil {
		var terminal *connection.TerminalCloseError
		if asTerminalCloseError(runErr, &terminal) {
			return fmt.Errorf("session rejected by server: %s", terminal.Reason)
		}
		return runErr
	}

	logger.Info("relay agent stopped")
	return nil
}

func asTerminalCloseError(err error, target **connection.TerminalCloseError) bool {
	if t, ok := err.(*connection.TerminalCloseError); ok {
		*target = t
		return true
	}
	return false
}

func buildSerialiser(cfg *config_, logger *zap.Logger) (*serialiser.Registry, error) {
	backends, err := buildBackends(cfg)
	if err != nil {
		return nil, err
	}
	blobs := blobstore.New(logger.Named("blobstore"), backends...)

	schemas, err := loadSchemas(cfg.schemaDir)
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	validated, err := serialiser.NewValidatedCodec(schemas)
	if err != nil {
		return nil, fmt.Errorf("compile schemas: %w", err)
	}

	return serialiser.New(blobs, cfg.blobThreshold,
		validated,
		serialiser.NewColumnarCodec(),
		serialiser.NewOpaqueCodec(),
	), nil
}

func buildBackends(cfg *config_) ([]blobstore.Backend, error) {
	var backends []blobstore.Backend

	if cfg.blobBaseURL != "" {
		backends = append(backends, blobstore.NewHTTPBackend(cfg.blobBaseURL))
	}

	if cfg.s3Bucket != "" {
		awsCfg, err := config.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		backends = append(backends, blobstore.NewS3Backend(client, cfg.s3Bucket, cfg.s3Prefix))
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no blob backend configured (set --blob-url and/or --s3-bucket)")
	}
	return backends, nil
}

func loadSchemas(dir string) (map[string]any, error) {
	schemas := map[string]any{}
	if dir == "" {
		return schemas, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		schemas[name] = doc
	}
	return schemas, nil
}

// parseProvides turns "gpu:a100;region:us-east,us-west" into the
// {tag: [values]} shape Connection.Params.Provides expects.
func parseProvides(raw string) map[string][]string {
	provides := map[string][]string{}
	if raw == "" {
		return provides
	}
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			continue
		}
		for _, v := range strings.Split(kv[1], ",") {
			v = strings.TrimSpace(v)
			if v != "" {
				provides[kv[0]] = append(provides[kv[0]], v)
			}
		}
	}
	return provides
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".relay-agent")
	}
	return ".relay-agent"
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
