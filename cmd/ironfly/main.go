// Command ironfly runs the iron-butterfly options market-making/liquidation
// engine for a single session window (spec.md §1). It loads configuration,
// wires every component (Session Controller, Cycle Scheduler, Butterfly
// Builder, Fill Driver, Position Monitor, Risk Engine, Closer, Resilience
// Wrapper, Shutdown Coordinator), starts the session, and blocks until the
// session ends or an OS signal/emergency shutdown fires.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ironfly-systems/butterfly-engine/internal/alert"
	"github.com/ironfly-systems/butterfly-engine/internal/builder"
	"github.com/ironfly-systems/butterfly-engine/internal/closer"
	"github.com/ironfly-systems/butterfly-engine/internal/config"
	"github.com/ironfly-systems/butterfly-engine/internal/filldriver"
	"github.com/ironfly-systems/butterfly-engine/internal/logging"
	"github.com/ironfly-systems/butterfly-engine/internal/metrics"
	"github.com/ironfly-systems/butterfly-engine/internal/monitor"
	"github.com/ironfly-systems/butterfly-engine/internal/resilience"
	"github.com/ironfly-systems/butterfly-engine/internal/riskengine"
	"github.com/ironfly-systems/butterfly-engine/internal/scheduler"
	"github.com/ironfly-systems/butterfly-engine/internal/session"
	"github.com/ironfly-systems/butterfly-engine/internal/shutdown"
	"github.com/ironfly-systems/butterfly-engine/internal/venue"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the engine's YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal: refusing to start:", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Environment)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal: cannot initialize logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Emit(logging.ApplicationStarted, zap.String("environment", cfg.Environment))

	reg := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Raw().Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	apiKey := os.Getenv("VENUE_API_KEY")
	apiSecret := os.Getenv("VENUE_API_SECRET")
	venueBaseURL := os.Getenv("VENUE_BASE_URL")
	signer := func(query string) string {
		mac := hmac.New(sha256.New, []byte(apiSecret))
		mac.Write([]byte(query))
		return hex.EncodeToString(mac.Sum(nil))
	}
	client := venue.NewHTTPClient(venueBaseURL, apiKey, signer, 10*time.Second, 10)

	alertSink := alert.NewSafeSink(noopAlertSink{}, logger.Raw())
	resilienceWrapper := resilience.New("venue", resilience.Config{
		RetryAttempts:        cfg.Resilience.RetryAttempts,
		RetryBase:            cfg.Resilience.RetryBase.D(),
		FailureThreshold:     cfg.Resilience.FailureThreshold,
		SuccessThreshold:     cfg.Resilience.SuccessThreshold,
		OpenTimeout:          cfg.Resilience.OpenTimeout.D(),
		ResetInterval:        cfg.Resilience.ResetInterval.D(),
		RepeatAlertThreshold: cfg.Alert.RepeatThreshold,
		RepeatAlertCooldown:  cfg.Alert.Cooldown.D(),
	}, logger.Raw(), alertSink)
	resilienceWrapper.SetMetrics(reg)

	registry := monitor.NewRegistry()
	mon := monitor.New(registry, client, resilienceWrapper, logger.Raw(), cfg.Monitor.Interval.D(), cfg.Monitor.SnapshotBuf)

	driver := filldriver.New(client, resilienceWrapper, logger.Raw(), alertSink, filldriver.Config{
		PollInterval:  cfg.FillDriver.PollInterval.D(),
		OrderDeadline: cfg.FillDriver.OrderDeadline.D(),
		TickSize:      cfg.FillDriver.TickSize,
		RateLimitCap:  cfg.FillDriver.RateLimitCap.D(),
	})
	driver.SetMetrics(reg)

	closerSvc := closer.New(driver, client, resilienceWrapper, mon, logger.Raw(), alertSink)
	closerSvc.SetMetrics(reg)

	ctx, cancelFunc := context.WithCancel(context.Background())
	cancelCh := make(chan struct{})

	coordinator := shutdown.New(registry, closerSvc, logger, alertSink, shutdown.Config{CloseDeadline: cfg.Shutdown.CloseDeadline.D()}, cancelFunc, cancelCh)

	riskEngine := riskengine.New(registry, closerSvc, coordinator, logger.Raw(), alertSink, riskengine.Config{
		StopLossPct:      cfg.Risk.StopLossPct,
		ProfitTargetPct:  cfg.Risk.ProfitTargetPct,
		PortfolioRiskPct: cfg.Risk.PortfolioRiskPct,
	}, cancelCh)
	riskEngine.SetMetrics(reg)

	butterflyBuilder, err := builder.New(client, driver, resilienceWrapper, registry, logger.Raw(), alertSink, builder.Config{
		Quantity:       cfg.Builder.Quantity,
		StrikeDistance: cfg.Builder.StrikeDistance,
	}, cfg.Builder.LegPoolSize)
	if err != nil {
		logger.Raw().Error("fatal: cannot build leg worker pool", zap.Error(err))
		os.Exit(1)
	}
	defer butterflyBuilder.Close()

	sched := scheduler.New(butterflyBuilder, logger.Raw(), alertSink, scheduler.Config{
		CycleCount:    cfg.Cycle.Count,
		CycleInterval: cfg.Cycle.Interval.D(),
	}, riskEngine.PortfolioStopLossTriggered)
	sched.SetMetrics(reg)

	now := time.Now()
	start, end, err := sessionWindow(now, cfg.Session.StartTime, cfg.Session.EndTime)
	if err != nil {
		logger.Raw().Error("fatal: invalid session window", zap.Error(err))
		os.Exit(1)
	}

	sessionCtl := session.New(logger, start, end)
	sessionCtl.Attach(session.WorkerFunc(mon.Run))
	sessionCtl.Attach(session.WorkerFunc(func(ctx context.Context) { riskEngine.Run(ctx, mon.Snapshots()) }))
	sessionCtl.Attach(session.WorkerFunc(func(ctx context.Context) { sched.Run(ctx, cancelCh) }))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Raw().Info("signal received, starting graceful shutdown", zap.String("signal", s.String()))
		coordinator.RequestGraceful("signal: " + s.String())
	}()

	sessionCtl.Run(ctx)
	mon.Stop()
	coordinator.RequestGraceful("session ended")
}

// sessionWindow resolves cfg's "HH:MM" start/end times against the given
// reference day into absolute, location-local instants.
func sessionWindow(ref time.Time, startHHMM, endHHMM string) (time.Time, time.Time, error) {
	start, err := parseClock(ref, startHHMM)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseClock(ref, endHHMM)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func parseClock(ref time.Time, hhmm string) (time.Time, error) {
	t, err := time.ParseInLocation("15:04", hhmm, ref.Location())
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour(), t.Minute(), 0, 0, ref.Location()), nil
}

// noopAlertSink is the default alert transport when no external webhook is
// configured; operators wire a real Sink (chat, pager) via the alert.Sink
// interface, out of this repo's scope per spec.md §6.
type noopAlertSink struct{}

func (noopAlertSink) Alert(text string)  {}
func (noopAlertSink) Notify(text string) {}
