package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/aeolun/chatrelay/pkg/client"
	"github.com/aeolun/chatrelay/pkg/client/ui"
)

func main() {
	server := flag.String("server", "localhost:5000", "Server address (host:port or tcp://, ws://, wss://, ssh:// URL)")
	nickname := flag.String("name", os.Getenv("USER"), "Nickname to request")
	timeout := flag.Duration("timeout", 10*time.Second, "Connect and handshake timeout")
	insecure := flag.Bool("insecure-host-key", false, "Skip SSH host key verification")
	logFile := flag.String("log-file", "", "Write debug logs to this file")
	flag.Parse()

	if *nickname == "" {
		fmt.Fprintln(os.Stderr, "A nickname is required (-name)")
		os.Exit(2)
	}

	// The terminal belongs to the UI, so logs only go to a file
	logger := zap.NewNop()
	if *logFile != "" {
		cfg := zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{*logFile}
		cfg.ErrorOutputPaths = []string{*logFile}
		l, err := cfg.Build()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
			os.Exit(1)
		}
		logger = l
	}
	defer logger.Sync()

	opts := []client.Option{client.WithLogger(logger), client.WithTimeout(*timeout)}
	if *insecure {
		opts = append(opts, client.WithHostKeyCallback(ssh.InsecureIgnoreHostKey()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	conn, err := client.Dial(ctx, *server, *nickname, opts...)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to %s: %v\n", *server, err)
		os.Exit(1)
	}
	defer conn.Close()

	p := tea.NewProgram(ui.NewModel(conn), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running program: %v\n", err)
		os.Exit(1)
	}
}
