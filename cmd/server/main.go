package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aeolun/chatrelay/pkg/chatlog"
	"github.com/aeolun/chatrelay/pkg/database"
	"github.com/aeolun/chatrelay/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	configPath := flag.String("config", "~/.chatrelay/server.toml", "Path to config file")
	host := flag.String("host", "", "Address to bind (overrides config)")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	httpPort := flag.Int("http-port", 0, "HTTP/WebSocket port, negative disables (overrides config)")
	sshPort := flag.Int("ssh-port", 0, "SSH port, negative disables (overrides config)")
	logFile := flag.String("log-file", "", "Chat transcript path (overrides config)")
	auditDB := flag.String("audit-db", "", "Path to SQLite audit database (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("Chat relay server %s\n", Version)
		os.Exit(0)
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(*debug || tomlConfig.Logging.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Command-line flags override config file
	if *host != "" {
		tomlConfig.Server.Host = *host
	}
	if *port != 0 {
		tomlConfig.Server.TCPPort = *port
	}
	if *httpPort != 0 {
		tomlConfig.HTTP.Port = *httpPort
	}
	if *sshPort != 0 {
		tomlConfig.SSH.Port = *sshPort
	}
	if *logFile != "" {
		tomlConfig.Logging.ChatLog = *logFile
	}
	if *auditDB != "" {
		tomlConfig.Audit.DatabasePath = *auditDB
	}

	cfg := tomlConfig.ToServerConfig()
	if err := run(logger, cfg); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(logger *zap.Logger, cfg server.ServerConfig) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []server.Option{server.WithServerLogger(logger)}

	if cfg.ChatLogPath != "" {
		transcript, openErr := openTranscript(cfg.ChatLogPath)
		if openErr != nil {
			return openErr
		}
		defer func() { err = multierr.Append(err, transcript.Close()) }()

		opts = append(opts, server.WithSink(transcript), server.WithLogSource(transcript))
		logger.Info("chat transcript enabled", zap.String("path", transcript.Path()))
	}

	if cfg.AuditDBPath != "" {
		db, openErr := openAudit(cfg.AuditDBPath, logger)
		if openErr != nil {
			return openErr
		}
		defer func() { err = multierr.Append(err, db.Close()) }()

		opts = append(opts, server.WithSink(database.NewAuditSink(db)))
		go db.RunRetention(ctx, clock.New(), cfg.AuditRetention, database.DefaultRetentionInterval)
		logger.Info("audit store enabled", zap.Duration("retention", cfg.AuditRetention))
	}

	srv, err := server.NewServer(cfg, opts...)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	logger.Info("chat relay started",
		zap.String("version", Version),
		zap.Stringer("tcp", srv.Addr()),
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("ssh_port", cfg.SSHPort),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return srv.Stop()
}

func openTranscript(path string) (*chatlog.Writer, error) {
	path, err := server.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	w, err := chatlog.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open chat log: %w", err)
	}
	return w, nil
}

func openAudit(path string, logger *zap.Logger) (*database.DB, error) {
	path, err := server.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	db, err := database.Open(path, database.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	return db, nil
}
