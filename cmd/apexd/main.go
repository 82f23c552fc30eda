// Command apexd runs the coordination runtime: router, switch engine,
// coordinator, budget guard, switching controller, and the HTTP/WebSocket
// surface, wired per the loaded configuration.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/apex/runtime/internal/api"
	"github.com/apex/runtime/internal/audit"
	"github.com/apex/runtime/internal/budget"
	"github.com/apex/runtime/internal/circuitbreaker"
	"github.com/apex/runtime/internal/config"
	"github.com/apex/runtime/internal/controller"
	"github.com/apex/runtime/internal/coordinator"
	"github.com/apex/runtime/internal/episode"
	"github.com/apex/runtime/internal/events"
	"github.com/apex/runtime/internal/gateway"
	"github.com/apex/runtime/internal/infra"
	"github.com/apex/runtime/internal/llm"
	"github.com/apex/runtime/internal/metrics"
	"github.com/apex/runtime/internal/runtime"
	"github.com/apex/runtime/internal/toolfs"
)

func main() {
	configPath := flag.String("config", "apex.yaml", "path to configuration file")
	episodes := flag.Int("episodes", 0, "bug-fix episodes to run after startup (0 disables the harness)")
	workdir := flag.String("episode-workdir", ".", "sandbox root for episode file edits and test runs")
	testsTarget := flag.String("episode-tests", "tests", "pytest target inside the workdir")
	flag.Parse()

	log.SetPrefix("[APEXD] ")
	log.SetFlags(log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Event bus; Redis mirroring wins over plain in-memory, Pub/Sub over both.
	var emitter events.EventEmitter = events.NewEventBus()
	if cfg.Infra.RedisAddr != "" {
		redisAdapter, err := infra.NewRedisAdapter(ctx, infra.RedisConfig{
			Addr:     cfg.Infra.RedisAddr,
			Password: cfg.Infra.RedisPassword,
			DB:       cfg.Infra.RedisDB,
		})
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer redisAdapter.Close()
		emitter = events.NewRedisEventBus(redisAdapter, "")
	}
	if cfg.Infra.PubSubProject != "" {
		psBus, err := events.NewPubSubEventBus(cfg.Infra.PubSubProject, cfg.Infra.PubSubTopic)
		if err != nil {
			log.Fatalf("pubsub: %v", err)
		}
		defer psBus.Close()
		emitter = psBus
	}

	mets := metrics.New(prometheus.DefaultRegisterer)

	// Router and switch engine.
	router := runtime.NewRouter(runtime.RouterConfig{
		QueueCapacity:    cfg.Router.QueueCapacity,
		MessageTTL:       cfg.Router.MessageTTL,
		MaxAttempts:      cfg.Router.MaxAttempts,
		MaxPayloadBytes:  cfg.Router.MaxPayloadBytes,
		RetryBackoffBase: cfg.Router.RetryBackoff,
		DedupTTL:         cfg.Router.DedupTTL,
		DedupCapacity:    cfg.Router.DedupCapacity,
		FanoutLimit:      cfg.Router.FanoutLimit,
		InitialTopology:  runtime.Topology(cfg.Router.InitialTopology),
		Seed:             cfg.Controller.Seed,
	})
	router.SetObserver(mets)

	intentLog, err := runtime.OpenIntentLog(cfg.Switching.IntentLogPath)
	if err != nil {
		log.Fatalf("intent log: %v", err)
	}
	defer intentLog.Close()

	engine := runtime.NewSwitchEngine(router, runtime.SwitchConfig{
		QuiesceDeadline: cfg.Switching.QuiesceDeadline,
		PrepareDeadline: cfg.Switching.PrepareDeadline,
	}, intentLog)
	if err := engine.Recover(); err != nil {
		log.Fatalf("recover from intent log: %v", err)
	}

	breakers := circuitbreaker.NewRuntimeBreakers()

	// Health probe: a switch target is viable only while the dependency
	// breakers report healthy. Runs under the coordinator's probe deadline.
	probe := func(ctx context.Context, target runtime.Topology) bool {
		if breakers.Probe.Allow() != nil {
			return false
		}
		err := breakers.Probe.Execute(ctx, func(context.Context) error {
			if status, _ := breakers.HealthStatus(); status != "HEALTHY" {
				return circuitbreaker.ErrCircuitOpen
			}
			return ctx.Err()
		})
		return err == nil
	}
	coord := coordinator.New(engine, coordinator.Config{
		DwellMinSteps: cfg.Switching.DwellMinSteps,
		CooldownSteps: cfg.Switching.CooldownSteps,
		ProbeDeadline: cfg.Switching.ProbeDeadline,
	}, emitter, probe)
	coord.SetObserver(mets)

	// Budget guard with configured scopes.
	guard := budget.NewGuard(budget.Config{
		SafetyFactor:   cfg.Budget.SafetyFactor,
		ReservationTTL: cfg.Budget.ReservationTTL,
		SweepInterval:  cfg.Budget.SweepInterval,
	}, emitter)
	guard.SetObserver(mets)
	if cfg.Budget.DailyTokens > 0 || cfg.Budget.DailyMillis > 0 {
		guard.SetScope(budget.ScopeDaily, budget.Limits{Tokens: cfg.Budget.DailyTokens, Millis: cfg.Budget.DailyMillis})
	}
	go guard.RunSweeper(ctx)

	// Optional Postgres decision archive.
	var sink controller.DecisionSink
	if cfg.Infra.PostgresDSN != "" {
		store, err := audit.Open(ctx, cfg.Infra.PostgresDSN)
		if err != nil {
			log.Fatalf("audit store: %v", err)
		}
		defer store.Close()
		sink = store
		go store.WatchSwitches(ctx, coord.Subscribe())
	}

	ctrl := controller.New(controller.Config{
		TickInterval:  cfg.Controller.TickInterval,
		Lambda:        cfg.Controller.Lambda,
		Schedule:      controller.EpsilonSchedule{Start: cfg.Controller.EpsilonStart, End: cfg.Controller.EpsilonEnd, Steps: cfg.Controller.EpsilonSteps},
		Window:        cfg.Controller.FeatureWindow,
		DwellMinSteps: cfg.Switching.DwellMinSteps,
		Seed:          cfg.Controller.Seed,
	}, coord, guard, sink)
	ctrl.SetObserver(mets)
	go ctrl.Run(ctx)

	// Optional episode harness: drive bug-fix episodes through the router so
	// the controller steers real workflow traffic.
	if *episodes > 0 {
		go runEpisodes(ctx, *episodes, *workdir, *testsTarget, cfg, router, guard, breakers, ctrl)
	}

	// Keep the topology gauges current.
	go func() {
		changes := coord.Subscribe()
		topo, epoch := coord.Active()
		mets.TopologyActive(topo)
		mets.EpochActive(epoch)
		for {
			select {
			case <-ctx.Done():
				return
			case change := <-changes:
				mets.TopologyActive(change.To)
			}
		}
	}()

	gw := gateway.New(router)
	defer gw.Close()

	server := api.New(api.Config{
		ListenAddr:   cfg.Server.ListenAddr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, router, coord, guard, ctrl, breakers)
	server.Mount("/ws", gw.HandleWS)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Println("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("stopped")
}

// runEpisodes assembles the five-role team and executes n episodes back to
// back. Each episode is charged against its own budget scope when episode
// limits are configured; the LLM backend and the test runner both sit
// behind their breakers.
func runEpisodes(ctx context.Context, n int, workdir, testsTarget string, cfg *config.Config,
	router *runtime.Router, guard *budget.Guard, breakers *circuitbreaker.RuntimeBreakers, ctrl *controller.Controller) {

	fs, err := toolfs.NewFS(toolfs.DefaultFSConfig(workdir))
	if err != nil {
		log.Printf("episode sandbox: %v", err)
		return
	}
	testRunner := toolfs.NewRunner(toolfs.DefaultRunnerConfig(workdir))
	testRunner.SetBreaker(breakers.TestRunner)
	executor := episode.RunnerExecutor{Runner: testRunner, Target: testsTarget}

	backend := llm.NewBreakerClient(llm.NewHTTPClient(llm.DefaultConfig()), breakers.LLM)

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return
		}
		id := uuid.NewString()
		var scopes []string
		if cfg.Budget.DailyTokens > 0 || cfg.Budget.DailyMillis > 0 {
			scopes = append(scopes, budget.ScopeDaily)
		}
		if cfg.Budget.EpisodeTokens > 0 || cfg.Budget.EpisodeMillis > 0 {
			scope := budget.EpisodeScope(id)
			guard.SetScope(scope, budget.Limits{Tokens: cfg.Budget.EpisodeTokens, Millis: cfg.Budget.EpisodeMillis})
			scopes = append(scopes, scope)
			ctrl.SetEpisode(scope)
		}
		client := llm.NewBudgetedClient(backend, guard, scopes, 2048)

		team := episode.Team{
			Planner:    episode.NewPlanner(id, router, client),
			Coder:      episode.NewCoder(id, router, fs),
			Runner:     episode.NewTestRunner(id, router, executor),
			Critic:     episode.NewCritic(id, router, client),
			Summarizer: episode.NewSummarizer(id, router),
		}
		run := episode.NewRunner(id, router, router, team, ctrl)
		result, err := run.Run(ctx, 50)
		if err != nil {
			log.Printf("episode %s: %v", id, err)
			continue
		}
		ctrl.FinishEpisode(result.Success)
		log.Printf("episode %s finished: success=%v steps=%d routed=%d",
			id, result.Success, result.StepsTaken, result.MessagesRouted)
	}
}
