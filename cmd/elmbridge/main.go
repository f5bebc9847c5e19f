package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/elmbridge/internal/elm"
	"github.com/shaunagostinho/elmbridge/internal/emulator"
	"github.com/shaunagostinho/elmbridge/internal/isotp"
	"github.com/shaunagostinho/elmbridge/internal/logging"
	"github.com/shaunagostinho/elmbridge/internal/metrics"
	"github.com/shaunagostinho/elmbridge/internal/recorder"
	"github.com/shaunagostinho/elmbridge/internal/server"
	"github.com/shaunagostinho/elmbridge/web"
)

func main() {
	configPath := flag.String("config", "/etc/elmbridge/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Talk to the built-in emulated adapter")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	target := flag.String("target", "", "Override adapter target (tty path, bluetooth address or host:port)")
	flag.Parse()

	boot, _ := zap.NewProduction()
	cfg := server.LoadConfig(*configPath, boot)

	if *demo {
		cfg.Adapter.Transport = server.TransportDemo
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *target != "" {
		cfg.Adapter.Target = *target
	}
	if err := cfg.Validate(); err != nil {
		boot.Fatal("invalid config", zap.Error(err))
	}

	log, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		boot.Fatal("logger init failed", zap.Error(err))
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)
	log.Info("elmbridge starting", zap.String("config", *configPath))

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	a := cfg.AdapterSettings()

	dialer, closeDialer := newDialer(cfg, log)
	defer closeDialer()
	if a.BreakerFailures > 0 {
		dialer = elm.NewBreakerDialer(a.Transport, dialer, elm.BreakerSettings{
			Failures: uint32(a.BreakerFailures),
			Cooldown: time.Duration(a.BreakerCooldownMs) * time.Millisecond,
			Logger:   log,
		})
	}

	var lock elm.Lock
	if a.LockPath != "" {
		lock = elm.NewFileLock(a.LockPath)
	}

	reg := metrics.NewRegistry()
	bm := metrics.NewBridgeMetrics(reg)
	if !cfg.Metrics.Enabled {
		reg = nil
	}

	rec := recorder.New(cfg.Recorder, log)
	defer rec.Close()

	events := elm.NewNotifier()
	defer events.Close()

	mgr, err := elm.NewManager(elm.Options{
		Dialer:           dialer,
		Codec:            isotp.Codec{},
		Events:           events,
		AutoReconnect:    a.AutoReconnectEnabled(),
		NetworkName:      a.NetworkName,
		ConnectTimeout:   a.ConnectTimeout(),
		RetryInterval:    a.RetryInterval(),
		ResponseTimeout:  a.ResponseTimeout(),
		MinFrameInterval: a.MinFrameInterval(),
		Lock:             lock,
		Logger:           log,
		Metrics:          bm,
		Recorder:         rec,
	})
	if err != nil {
		log.Fatal("bridge init failed", zap.Error(err))
	}
	defer mgr.Close()

	// The server starts regardless; the adapter may come up later.
	if a.AutoReconnectEnabled() {
		if err := mgr.Connect(ctx, a.Target); err != nil {
			log.Warn("reconnect loop not armed", zap.Error(err))
		}
	} else {
		go connectWithRetry(ctx, log, mgr, a.Target, 10)
	}

	srv := server.New(server.Options{
		Config:   cfg,
		Bridge:   mgr,
		Events:   events.Events(),
		WebFS:    web.FS,
		Logger:   log,
		Metrics:  bm,
		Registry: reg,
		Recorder: rec,
	})
	if err := srv.Run(ctx); err != nil {
		log.Error("server exited", zap.Error(err))
	}
}

// newDialer picks the transport named in the config. The returned func
// releases anything the dialer owns.
func newDialer(cfg *server.Config, log *zap.Logger) (elm.Dialer, func()) {
	a := cfg.AdapterSettings()
	switch a.Transport {
	case server.TransportSerial:
		return elm.SerialDialer{BaudRate: a.BaudRate, Logger: log}, func() {}
	case server.TransportRFCOMM:
		return elm.RFCOMMDialer{}, func() {}
	case server.TransportTCP:
		return elm.TCPDialer{}, func() {}
	default:
		emu := emulator.New(emulator.Options{
			VIN:    cfg.Emulator.VIN,
			DTCs:   cfg.Emulator.DTCs,
			Delay:  time.Duration(cfg.Emulator.DelayMs) * time.Millisecond,
			Logger: log,
		})
		dial := elm.DialerFunc(func(ctx context.Context, target string) (elm.Transport, error) {
			conn, err := emu.Dial(ctx, target)
			if err != nil {
				return nil, fmt.Errorf("emulator: %w", err)
			}
			return conn, nil
		})
		return dial, func() { emu.Close() }
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, log *zap.Logger, mgr *elm.Manager, target string, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := mgr.Connect(ctx, target)
		switch {
		case err == nil, errors.Is(err, elm.ErrAlreadyConnecting):
			log.Info("adapter connected", zap.Int("attempt", attempt+1))
			return
		case errors.Is(err, elm.ErrClosed):
			return
		}

		attempt++
		fields := []zap.Field{zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err)}
		if attempt <= maxAttempts {
			fields = append(fields, zap.Int("max_attempts", maxAttempts))
		}
		log.Warn("adapter connect failed", fields...)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
