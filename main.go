package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"kis-autotrader/internal/analysis"
	"kis-autotrader/internal/auth"
	"kis-autotrader/internal/balance"
	"kis-autotrader/internal/engine"
	"kis-autotrader/internal/fx"
	"kis-autotrader/internal/monitor"
	"kis-autotrader/internal/order"
	"kis-autotrader/internal/persistence"
	"kis-autotrader/internal/reconciliation"
	"kis-autotrader/internal/scheduler"
	"kis-autotrader/internal/state"
	"kis-autotrader/pkg/config"
	"kis-autotrader/pkg/db"
	"kis-autotrader/pkg/exchanges/common"
	"kis-autotrader/pkg/exchanges/kis"
)

func main() {
	worker := flag.Bool("worker", false, "run the trading loop of -mode in this process")
	modeFlag := flag.String("mode", "", "mock or real")
	runNow := flag.Bool("run-now", false, "run one manual cycle for -mode, print its summary and exit")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	env := config.LoadEnv()

	mode := common.Mode(*modeFlag)
	if (*worker || *runNow) && !mode.Valid() {
		log.Fatalf("❌ -mode must be mock or real, got %q", *modeFlag)
	}

	switch {
	case *runNow:
		os.Exit(runOnce(env, mode))
	case *worker:
		runWorker(env, mode)
	default:
		runSupervisor(env)
	}
}

// runSupervisor keeps one worker process per configured mode alive.
func runSupervisor(env *config.Env) {
	if len(env.Modes) == 0 {
		log.Fatalf("❌ MODES lists no valid mode")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("🚀 supervisor starting modes=%v data=%s", env.Modes, env.DataDir)
	sup := scheduler.NewSupervisor(env.DataDir, env.Modes, scheduler.ExecLauncher(), nil)
	if err := sup.Run(ctx); err != nil {
		log.Fatalf("❌ supervisor: %v", err)
	}
	log.Println("🛑 supervisor stopped")
}

func runWorker(env *config.Env, mode common.Mode) {
	log.SetPrefix(fmt.Sprintf("[%s] ", mode))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stopReason atomic.Value
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		stopReason.Store("signal:" + sig.String())
		cancel()
	}()

	app, err := build(env, mode)
	if err != nil {
		log.Fatalf("❌ init: %v", err)
	}
	defer app.close()

	if addr := env.MetricsAddr[mode]; addr != "" {
		go func() {
			if err := monitor.Serve(ctx, addr); err != nil {
				log.Printf("⚠️ metrics server: %v", err)
			}
		}()
	}

	w := scheduler.NewWorker(mode, app.engine, app.reload, scheduler.NewHeartbeatStore(env.DataDir, mode), nil)
	_ = w.Run(ctx)

	reason, _ := stopReason.Load().(string)
	if reason == "" {
		reason = "stopped"
	}
	w.Shutdown(reason)
}

// runOnce executes a manual cycle and prints its summary as JSON.
func runOnce(env *config.Env, mode common.Mode) int {
	app, err := build(env, mode)
	if err != nil {
		log.Printf("❌ init: %v", err)
		return 1
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := app.engine.RunCycle(ctx, engine.RunRequest{Type: persistence.RunManual})
	if run == nil {
		log.Printf("⚠️ cycle did not start")
		return 1
	}
	out, _ := json.MarshalIndent(run.Summary(), "", "  ")
	fmt.Println(string(out))
	if run.Status == persistence.StatusError {
		return 1
	}
	return 0
}

type app struct {
	engine   *engine.Engine
	reload   scheduler.SettingsLoader
	database *db.Database
}

func (a *app) close() {
	if err := a.database.Close(); err != nil {
		log.Printf("⚠️ close journal: %v", err)
	}
}

// build wires every service of one mode.
func build(env *config.Env, mode common.Mode) (*app, error) {
	settings, err := config.LoadSettings(env.SettingsPath)
	if err != nil {
		return nil, err
	}
	ms := settings.Mode(mode)
	hours, err := engine.NewMarketHours(settings.Common)
	if err != nil {
		return nil, err
	}

	arbiter := auth.NewArbiter(env.DataDir, nil, nil)
	arbiter.OnIssue = func(m common.Mode, reason string) { monitor.ObserveTokenIssue(string(m), reason) }
	arbiter.SetCredentials(mode, credentials(mode, ms))

	client := kis.New(kis.Config{
		Mode:      mode,
		BaseURL:   kis.BaseURLFor(mode, ms.URLBase),
		AppKey:    ms.AppKey,
		AppSecret: ms.AppSecret,
		AccountNo: ms.AccountNo(),
	}, arbiter.Source(mode))
	client.OnRetry = func(path string, class common.Class) {
		monitor.ObserveRetry(string(mode), path, class.String())
	}

	database, err := db.New(env.JournalDBPath)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	positions, err := state.NewManager(env.DataDir, mode, hours.OperatorLoc, nil)
	if err != nil {
		database.Close()
		return nil, err
	}
	history := persistence.NewHistoryStore(env.DataDir, mode, hours.OperatorLoc, nil)

	resolver := fx.NewResolver(client, settings.Common.FxFallbackURL, nil)
	resolver.OnResolve = monitor.ObserveFx

	eng := engine.New(mode, ms, hours, engine.Deps{
		Tokens:   arbiter,
		Fx:       resolver,
		Balances: balance.NewManager(client, ms.BalanceExchanges, nil),
		Candidates: analysis.NewClient(analysis.Config{
			URL:     settings.Common.AnalysisURL,
			Mock:    settings.Common.AnalysisMockEnabled,
			Timeout: time.Duration(settings.Common.AnalysisTimeoutSec) * time.Second,
		}),
		Quotes:     client,
		Orders:     order.NewExecutor(client, database, engine.OrderConfig(mode, ms, hours.OperatorLoc), nil),
		Positions:  positions,
		Reconciler: reconciliation.NewService(client, positions, history, nil),
		History:    history,
		RunState:   persistence.NewRunStateStore(env.DataDir, mode),
		Journal:    database,
	}, nil)

	reload := func() (config.ModeSettings, error) {
		s, err := config.LoadSettings(env.SettingsPath)
		if err != nil {
			return config.ModeSettings{}, err
		}
		next := s.Mode(mode)
		arbiter.SetCredentials(mode, credentials(mode, next))
		return next, nil
	}

	log.Printf("✓ %s engine ready (account=%s, buy=%s, schedule=%s, auto=%v)",
		mode, maskAccount(ms.AccountNo()), ms.BuyMethod, ms.ScheduleTime, ms.AutoTradingEnabled)
	return &app{engine: eng, reload: reload, database: database}, nil
}

// credentials resolves the base URL the same way the broker client does.
func credentials(mode common.Mode, ms config.ModeSettings) auth.Credentials {
	return auth.Credentials{BaseURL: kis.BaseURLFor(mode, ms.URLBase), AppKey: ms.AppKey, AppSecret: ms.AppSecret}
}

func maskAccount(acct string) string {
	if len(acct) < 4 {
		return "unset"
	}
	return "****" + acct[len(acct)-4:]
}
