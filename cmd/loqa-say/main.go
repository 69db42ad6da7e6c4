// Command loqa-say speaks text through a streaming synthesis server without
// running the full avatar node. It can also probe a server, record speech to
// WAV and run a fake server for local testing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/audio"
	"github.com/loqalabs/loqa-avatar/internal/audio/otoplayer"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/logging"
	"github.com/loqalabs/loqa-avatar/internal/tts"
	"github.com/loqalabs/loqa-avatar/internal/tts/ttstest"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'say', 'probe', 'fake-server' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "say":
		err = runSay(ctx, os.Args[2:])
	case "probe":
		err = runProbe(ctx, os.Args[2:])
	case "fake-server":
		err = runFakeServer(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type streamFlags struct {
	configPath string
	host       string
	port       int
}

func (f *streamFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&f.host, "host", "", "Synthesis server host (overrides config)")
	fs.IntVar(&f.port, "port", 0, "Synthesis server port (overrides config)")
}

func (f *streamFlags) load() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	if f.host != "" {
		cfg.Stream.Host = f.host
	}
	if f.port != 0 {
		cfg.Stream.Port = f.port
	}
	return cfg, nil
}

func runSay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("say", flag.ExitOnError)
	var (
		sf       streamFlags
		out      string
		backend  string
		maxWait  time.Duration
		logLevel string
	)
	sf.register(fs)
	fs.StringVar(&out, "out", "", "Write the received speech to this WAV file instead of the speakers")
	fs.StringVar(&backend, "playback", "", "Playback backend: oto, clock or none (overrides config)")
	fs.DurationVar(&maxWait, "timeout", 2*time.Minute, "Give up if playback has not finished by then")
	fs.StringVar(&logLevel, "log-level", "warn", "Log level")
	_ = fs.Parse(args)

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return errors.New("usage: loqa-say say [flags] text...")
	}
	cfg, err := sf.load()
	if err != nil {
		return err
	}
	if backend != "" {
		cfg.Playback.Backend = backend
	}
	cfg.Logging.Level = logLevel
	cfg.Logging.File = ""
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	ring := audio.NewSampleRing(audio.CapacityFor(cfg.Stream.SampleRate, cfg.Stream.BufferSeconds))
	renderer := audio.NewRenderer(ring, cfg.Stream.RenderBlock)

	var (
		player   audio.Player
		recorder *audio.WAVRecorder
	)
	switch {
	case out != "":
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("create %s: %w", out, err)
		}
		defer f.Close()
		recorder = audio.NewWAVRecorder(f, cfg.Stream.SampleRate)
		player = audio.NewClockPlayer(renderer, cfg.Stream.SampleRate, func(samples []float32) {
			if err := recorder.Write(samples); err != nil {
				logger.Warn("wav write failed", slog.String("error", err.Error()))
			}
		}, logger.Logger)
	case cfg.Playback.Backend == "oto":
		player, err = otoplayer.New(renderer, cfg.Stream.SampleRate, cfg.Playback.BufferMS, logger.Logger)
		if err != nil {
			return err
		}
	case cfg.Playback.Backend == "clock":
		player = audio.NewClockPlayer(renderer, cfg.Stream.SampleRate, nil, logger.Logger)
	}

	ctrl := tts.NewController(cfg.Stream, renderer, player, logger.Logger)
	defer ctrl.Close()

	sess, err := ctrl.Start(text)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	select {
	case <-sess.Done():
	case <-waitCtx.Done():
		_ = ctrl.Stop()
		return fmt.Errorf("speech did not finish: %w", waitCtx.Err())
	}
	if player != nil && sess.State() == tts.StateEnded {
		if err := ctrl.WaitIdle(waitCtx); err != nil {
			_ = ctrl.Stop()
			return fmt.Errorf("playback did not drain: %w", err)
		}
	}
	if err := ctrl.Stop(); err != nil {
		logger.Warn("stop incomplete", slog.String("error", err.Error()))
	}

	st := sess.Stats()
	fmt.Printf("%s: %s, %d samples (%.2fs), %d malformed chunks, %d evicted\n",
		sess.ID(), sess.State(), st.Samples,
		float64(st.Samples)/float64(cfg.Stream.SampleRate), st.Malformed, st.Evicted)

	if recorder != nil {
		if err := recorder.Close(); err != nil {
			return fmt.Errorf("finish %s: %w", out, err)
		}
		fmt.Printf("wrote %d samples to %s\n", recorder.Samples(), out)
	}
	if sess.State() != tts.StateEnded {
		if err := sess.Err(); err != nil {
			return fmt.Errorf("speech %s: %w", sess.State(), err)
		}
		return fmt.Errorf("speech %s", sess.State())
	}
	return nil
}

func runProbe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	var (
		sf      streamFlags
		timeout time.Duration
	)
	sf.register(fs)
	fs.DurationVar(&timeout, "timeout", 2*time.Second, "Connect timeout")
	_ = fs.Parse(args)

	cfg, err := sf.load()
	if err != nil {
		return err
	}
	addr := cfg.Stream.Addr()
	if err := tts.Probe(ctx, addr, timeout); err != nil {
		return fmt.Errorf("%s unreachable: %w", addr, err)
	}
	fmt.Printf("%s reachable\n", addr)
	return nil
}

func runFakeServer(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fake-server", flag.ExitOnError)
	var (
		addr       string
		sampleRate int
		freq       float64
		chunkBytes int
		realtime   bool
	)
	fs.StringVar(&addr, "addr", "127.0.0.1:9998", "Listen address")
	fs.IntVar(&sampleRate, "rate", 24000, "Sample rate of the generated tone")
	fs.Float64Var(&freq, "freq", 220, "Tone frequency in Hz")
	fs.IntVar(&chunkBytes, "chunk", 2048, "Bytes per write")
	fs.BoolVar(&realtime, "realtime", true, "Pace writes at playback speed")
	_ = fs.Parse(args)

	srv, err := ttstest.NewServer(addr, ttstest.Tone(sampleRate, freq, chunkBytes, realtime))
	if err != nil {
		return err
	}
	fmt.Printf("fake synthesis server listening on %s\n", srv.Addr())
	<-ctx.Done()
	return srv.Close()
}
