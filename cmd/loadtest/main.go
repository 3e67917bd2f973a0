package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aeolun/chatrelay/pkg/client"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks load test results
type Stats struct {
	sent             atomic.Int64
	sendFailures     atomic.Int64
	echoes           atomic.Int64
	totalEchoTime    atomic.Int64 // in microseconds
	connectionErrors atomic.Int64
	warnings         atomic.Int64
	mutes            atomic.Int64
	kicks            atomic.Int64
	disconnections   atomic.Int64
}

func (s *Stats) recordEcho(d time.Duration) {
	s.echoes.Add(1)
	s.totalEchoTime.Add(d.Microseconds())
}

func (s *Stats) avgEchoMs() float64 {
	n := s.echoes.Load()
	if n == 0 {
		return 0
	}
	return float64(s.totalEchoTime.Load()) / float64(n) / 1000.0
}

// Bot is one simulated chat user
type Bot struct {
	id    int
	conn  *client.Client
	stats *Stats
	log   *zap.Logger

	// sentAt maps message content to send time so echoes can be timed
	sentAt map[string]time.Time
}

func randomContent() string {
	n := 5 + rand.Intn(16)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

func (b *Bot) send() error {
	// A short random tag keeps every body unique
	content := randomContent() + " #" + uuid.NewString()[:8]
	if err := b.conn.SendPublic(content); err != nil {
		b.stats.sendFailures.Add(1)
		return err
	}
	b.sentAt[content] = time.Now()
	b.stats.sent.Add(1)
	return nil
}

// drain consumes frames that have already arrived
func (b *Bot) drain() error {
	for {
		select {
		case msg, ok := <-b.conn.Messages():
			if !ok {
				b.stats.disconnections.Add(1)
				return b.conn.Err()
			}
			b.handle(msg)
		default:
			return nil
		}
	}
}

func (b *Bot) handle(msg *protocol.Message) {
	switch msg.Kind {
	case protocol.KindPublic:
		if msg.Sender != b.conn.Name() {
			return
		}
		if at, ok := b.sentAt[msg.Content]; ok {
			b.stats.recordEcho(time.Since(at))
			delete(b.sentAt, msg.Content)
		}
	case protocol.KindWarning:
		b.stats.warnings.Add(1)
	case protocol.KindMute:
		b.stats.mutes.Add(1)
	case protocol.KindKick:
		b.stats.kicks.Add(1)
	}
}

func (b *Bot) run(ctx context.Context, duration, minDelay, maxDelay, shutdownDelay time.Duration) error {
	defer b.conn.Close()

	end := time.Now().Add(duration)
	for time.Now().Before(end) {
		if err := b.send(); err != nil {
			return nil
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		if err := b.drain(); err != nil {
			b.log.Debug("bot disconnected", zap.Int("bot", b.id), zap.Error(err))
			return nil
		}
	}

	// Stagger shutdown to avoid a burst of leave broadcasts
	select {
	case <-ctx.Done():
	case <-time.After(shutdownDelay):
	}
	_ = b.drain()
	return b.conn.Exit()
}

func main() {
	serverAddr := flag.String("server", "localhost:5000", "Server address (host:port or tcp://, ws://, ssh:// URL)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 500*time.Millisecond, "Minimum delay between messages")
	maxDelay := flag.Duration("max-delay", 2*time.Second, "Maximum delay between messages")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	newLogger := zap.NewProduction
	if *debug {
		newLogger = zap.NewDevelopment
	}
	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *numClients <= 0 {
		logger.Fatal("clients must be positive", zap.Int("clients", *numClients))
	}

	// Ramp up over 25% of the test duration
	rampUp := *duration / 4
	stagger := max(rampUp/time.Duration(*numClients), time.Millisecond)

	logger.Info("starting load test",
		zap.String("server", *serverAddr),
		zap.Int("clients", *numClients),
		zap.Duration("duration", *duration),
		zap.Duration("ramp_up", rampUp),
		zap.Duration("min_delay", *minDelay),
		zap.Duration("max_delay", *maxDelay),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := &Stats{}
	start := time.Now()

	reportDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				elapsed := time.Since(start).Seconds()
				logger.Info("progress",
					zap.Int64("sent", stats.sent.Load()),
					zap.Float64("per_second", float64(stats.sent.Load())/elapsed),
					zap.Int64("echoes", stats.echoes.Load()),
					zap.Float64("avg_echo_ms", stats.avgEchoMs()),
					zap.Int64("connection_errors", stats.connectionErrors.Load()),
				)
			case <-reportDone:
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *numClients; i++ {
		id := i
		shutdownDelay := stagger * time.Duration(*numClients-i-1)

		g.Go(func() error {
			dialCtx, cancel := context.WithTimeout(gctx, 10*time.Second)
			defer cancel()

			nickname := fmt.Sprintf("bot%d", id)
			conn, err := client.Dial(dialCtx, *serverAddr, nickname, client.WithLogger(logger))
			if err != nil {
				stats.connectionErrors.Add(1)
				logger.Debug("dial failed", zap.Int("bot", id), zap.Error(err))
				return nil
			}
			if id%100 == 0 {
				logger.Info("bot connected", zap.Int("bot", id), zap.String("name", conn.Name()))
			}

			bot := &Bot{id: id, conn: conn, stats: stats, log: logger, sentAt: make(map[string]time.Time)}
			if err := bot.run(gctx, *duration, *minDelay, *maxDelay, shutdownDelay); err != nil && !errors.Is(err, client.ErrClosed) {
				logger.Debug("bot exit failed", zap.Int("bot", id), zap.Error(err))
			}
			return nil
		})

		select {
		case <-ctx.Done():
		case <-time.After(stagger):
		}
	}

	_ = g.Wait()
	close(reportDone)

	total := time.Since(start)
	sent := stats.sent.Load()
	logger.Info("load test finished",
		zap.Duration("duration", total),
		zap.Int64("sent", sent),
		zap.Float64("per_second", float64(sent)/total.Seconds()),
		zap.Int64("send_failures", stats.sendFailures.Load()),
		zap.Int64("echoes", stats.echoes.Load()),
		zap.Float64("avg_echo_ms", stats.avgEchoMs()),
		zap.Int64("warnings", stats.warnings.Load()),
		zap.Int64("mutes", stats.mutes.Load()),
		zap.Int64("kicks", stats.kicks.Load()),
		zap.Int64("disconnections", stats.disconnections.Load()),
		zap.Int64("connection_errors", stats.connectionErrors.Load()),
	)
}
