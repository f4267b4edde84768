// Command parlance is a terminal client for real-time voice conversations.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/internal/health"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/internal/session"
	"github.com/parlancehq/parlance/pkg/audio"
	"github.com/parlancehq/parlance/pkg/audio/malgo"
	"github.com/parlancehq/parlance/pkg/audio/portaudio"
	"github.com/parlancehq/parlance/pkg/client"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "parlance: load .env: %v\n", err)
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parlance: config file %q not found — copy config.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parlance: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Client.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parlance starting",
		"config", *configPath,
		"url", cfg.Session.URL,
		"backend", cfg.Audio.Backend,
		"log_level", cfg.Client.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "parlance"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Audio backend ─────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	dev, err := reg.OpenDevice(cfg.Audio)
	if err != nil {
		slog.Error("failed to open audio backend", "backend", cfg.Audio.Backend, "err", err)
		return 1
	}
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Warn("audio backend close error", "err", err)
		}
	}()

	// ── Session ───────────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	sess, err := session.New(cfg, dev)
	if err != nil {
		slog.Error("failed to build session", "err", err)
		return 1
	}
	if err := sess.Start(ctx); err != nil {
		slog.Error("failed to start session", "err", err)
		return 1
	}

	// ── Debug listener (optional) ─────────────────────────────────────────────
	var debugSrv *http.Server
	if cfg.Client.DebugAddr != "" {
		debugSrv = newDebugServer(cfg.Client.DebugAddr, sess)
		go func() {
			if err := debugSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("debug listener error", "addr", cfg.Client.DebugAddr, "err", err)
			}
		}()
		slog.Info("debug listener up", "addr", cfg.Client.DebugAddr)
	}

	// ── Config watcher (optional) ─────────────────────────────────────────────
	if cfg.Client.WatchConfig {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(old, new, sess, logLevel)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	// ── Conversation I/O ──────────────────────────────────────────────────────
	go printLoop(ctx, sess)
	go inputLoop(ctx, sess, stop)

	fmt.Println("listening — speak, or type a message (/stop interrupts, /quit exits)")

	<-ctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	if debugSrv != nil {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := debugSrv.Shutdown(shCtx); err != nil {
			slog.Warn("debug listener shutdown error", "err", err)
		}
		cancel()
	}
	if err := sess.Stop(); err != nil {
		slog.Error("session stop error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Audio backend wiring ────────────────────────────────────────────────────────

// registerBuiltinBackends wires the platform audio backends that ship with
// parlance into reg. Device preferences from the audio config are applied by
// the capture engine, so the factories only initialise the platform layer.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterBackend(config.BackendPortAudio, func(config.AudioConfig) (audio.Device, error) {
		return portaudio.New()
	})
	reg.RegisterBackend(config.BackendMalgo, func(config.AudioConfig) (audio.Device, error) {
		return malgo.New()
	})

	for _, name := range []config.Backend{config.BackendPortAudio, config.BackendMalgo} {
		slog.Debug("registered audio backend", "name", name)
	}
}

// ── Debug listener ──────────────────────────────────────────────────────────────

// newDebugServer builds the /metrics + /healthz + /readyz listener. Readiness
// means the connection is up and the audio stream is running.
func newDebugServer(addr string, sess *session.Session) *http.Server {
	checks := health.New(
		health.Checker{Name: "connection", Check: func(context.Context) error {
			st := sess.ConnState()
			if _, ok := st.(client.Connected); !ok {
				return fmt.Errorf("state %s", st)
			}
			return nil
		}},
		health.Checker{Name: "audio", Check: func(context.Context) error {
			if !sess.AudioRunning() {
				return errors.New("stream stopped")
			}
			return nil
		}},
	)

	mux := http.NewServeMux()
	checks.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Config reload ───────────────────────────────────────────────────────────────

// applyReload applies the hot-reloadable subset of a config change to the
// running process.
func applyReload(old, new *config.Config, sess *session.Session, level *slog.LevelVar) {
	d := config.Diff(old, new)
	if !d.Any() {
		slog.Info("config reloaded; no hot-applicable changes")
		return
	}
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level updated", "level", d.NewLogLevel)
	}
	if d.GateChanged {
		sess.SetGateTuning(d.NewGate.Tail.Std(), d.NewGate.BargeInRMS)
		slog.Info("gate tuning updated",
			"tail", d.NewGate.Tail.Std(),
			"barge_in_rms", d.NewGate.BargeInRMS,
		)
	}
}

// ── Conversation I/O ────────────────────────────────────────────────────────────

// printLoop renders transcripts and connection states to stdout. Partial
// segments overwrite each other in place; finals commit a line.
func printLoop(ctx context.Context, sess *session.Session) {
	var partialLen int
	for {
		select {
		case <-ctx.Done():
			return
		case seg := <-sess.Transcripts():
			line := fmt.Sprintf("%s> %s", seg.Source, seg.Text)
			pad := partialLen - len(line)
			if pad < 0 {
				pad = 0
			}
			if seg.Final {
				fmt.Printf("\r%s%s\n", line, strings.Repeat(" ", pad))
				partialLen = 0
			} else {
				fmt.Printf("\r%s%s", line, strings.Repeat(" ", pad))
				partialLen = len(line)
			}
		case st := <-sess.States():
			if partialLen > 0 {
				fmt.Println()
				partialLen = 0
			}
			fmt.Printf("[connection] %s\n", st)
		}
	}
}

// inputLoop reads stdin lines and submits them as typed utterances. /stop
// interrupts the assistant, /quit ends the program.
func inputLoop(ctx context.Context, sess *session.Session, quit func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			quit()
			return
		case line == "/stop":
			if err := sess.SendStop(); err != nil {
				slog.Warn("stop not sent", "err", err)
			}
		default:
			if err := sess.SendText(line); err != nil {
				if errors.Is(err, client.ErrNotConnected) {
					fmt.Println("[not connected — message dropped]")
				} else {
					slog.Warn("text not sent", "err", err)
				}
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// ── Startup summary ─────────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Parlance — voice client      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Backend URL", cfg.Session.URL)
	printField("Audio backend", string(cfg.Audio.Backend))
	printField("Input device", orSystemDefault(cfg.Audio.InputDevice))
	printField("Output device", orSystemDefault(cfg.Audio.OutputDevice))
	printField("Processing", dspSummary(cfg.Audio))
	if cfg.Client.DebugAddr != "" {
		printField("Debug listener", cfg.Client.DebugAddr)
	} else {
		printField("Debug listener", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-14s: %-19s  ║\n", name, value)
}

func orSystemDefault(device string) string {
	if device == "" {
		return "(system default)"
	}
	return device
}

func dspSummary(a config.AudioConfig) string {
	var parts []string
	if a.EchoCancellation {
		parts = append(parts, "aec")
	}
	if a.NoiseSuppression {
		parts = append(parts, "ns")
	}
	if a.AutoGain {
		parts = append(parts, "agc")
	}
	if len(parts) == 0 {
		return "(all off)"
	}
	return strings.Join(parts, "+")
}

// ── Logger ──────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar lets the config
// watcher adjust verbosity without rebuilding handlers.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
