// overseerd runs the agent invocation orchestrator: it admits requests,
// assembles their knowledge context, and drives the external agent CLI
// with retries, credential rotation, and resource-aware admission.
//
// Modes:
//
//	overseerd -prompt "..."   one-shot: run a single request and print the response
//	overseerd                 interactive: read one request per stdin line
//	overseerd -print-status   print the credential/pool snapshot and exit
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"overseer/internal/adapter/memory"
	"overseer/internal/credential"
	"overseer/internal/domain"
	"overseer/internal/infra/config"
	"overseer/internal/infra/logger"
	"overseer/internal/infra/tracer"
	"overseer/internal/metrics"
	"overseer/internal/resilience"
	"overseer/internal/usecase/contextbuild"
	"overseer/internal/usecase/eventbus"
	"overseer/internal/usecase/invoke"
	"overseer/internal/usecase/maintenance"
	"overseer/internal/usecase/pool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Flags & config
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	prompt := flag.String("prompt", "", "run a single request and exit")
	printStatus := flag.Bool("print-status", false, "print status snapshot and exit")
	flag.Parse()

	var cfg *config.Config
	var err error
	if _, statErr := os.Stat(*cfgPath); os.IsNotExist(statErr) {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Credentials
	creds := credential.NewManager(cfg.Credentials.Path, logger.WithComponent(log, "credentials"))

	if *printStatus {
		return dumpStatus(cfg, creds)
	}

	// 4. Event bus & metrics
	bus := eventbus.New(logger.WithComponent(log, "eventbus"))
	defer bus.Close()
	recorder := metrics.NewRecorder(0)

	// 5. Knowledge sources
	sources, convo, sourcesCloser, err := buildSources(cfg, bus, log)
	if err != nil {
		return fmt.Errorf("sources: %w", err)
	}
	defer sourcesCloser()

	builder := contextbuild.New(contextbuild.Config{
		SourceTimeout:     cfg.Context.SourceTimeout.Std(),
		MaxChars:          cfg.Context.MaxChars,
		DegradationNotice: cfg.Context.DegradationEnabled(),
	}, sources, logger.WithComponent(log, "context"))

	// 6. Invoker & pool
	invokerLog := logger.WithComponent(log, "invoker")
	invoker := invoke.New(cfg.Invoker, cfg.Context.InstructionsPath, builder, creds,
		recorder, bus, invoke.NewRunner(invokerLog), invokerLog)

	checker := pool.NewResourceChecker(cfg.Pool.Resources, logger.WithComponent(log, "health"))
	agentPool := pool.New(cfg.Pool, invoker, checker, bus, logger.WithComponent(log, "pool"))
	agentPool.Start()
	defer agentPool.Shutdown()

	// 7. Maintenance sweeps
	sweeper := maintenance.New(cfg.Maintenance, agentPool, recorder, creds, logger.WithComponent(log, "maintenance"))
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	defer sweeper.Stop()

	log.Info("overseerd ready",
		"max_concurrent", cfg.Pool.MaxConcurrent,
		"binary", cfg.Invoker.Binary,
		"sources", len(sources))

	if *prompt != "" {
		return runOnce(agentPool, *prompt, cfg)
	}
	return runInteractive(agentPool, convo, cfg, log)
}

// runOnce submits a single request and prints the response to stdout.
// Non-OK outcomes map to a non-zero exit code.
func runOnce(agentPool *pool.AgentPool, prompt string, cfg *config.Config) error {
	req := domain.NewAgentRequest(prompt, nil, "")
	if err := agentPool.Submit(req); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if !req.Wait(waitBudget(cfg)) {
		return fmt.Errorf("request %s did not complete in time", req.ID)
	}
	res := req.Result()
	fmt.Println(res.Response)
	if !res.OK() {
		return fmt.Errorf("request failed: %s", res.Kind)
	}
	return nil
}

// runInteractive reads one request per line from stdin, keeping the agent
// session across lines so follow-ups share context. Completed exchanges
// are appended to the conversation log when one is configured, so future
// fresh sessions can recall them. SIGINT/SIGTERM or EOF end the loop; the
// deferred pool shutdown drains in-flight work.
func runInteractive(agentPool *pool.AgentPool, convo *memory.ConversationStore, cfg *config.Config, log *slog.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sessionID := ""
	for {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(os.Stderr, "received %s, shutting down\n", sig)
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			req := domain.NewAgentRequest(line, nil, sessionID)
			if err := agentPool.Submit(req); err != nil {
				fmt.Fprintf(os.Stderr, "refused: %v\n", err)
				continue
			}
			if !req.Wait(waitBudget(cfg)) {
				fmt.Fprintf(os.Stderr, "request %s still running, skipping\n", req.ID)
				continue
			}
			res := req.Result()
			if res.OK() {
				sessionID = res.SessionID
				fmt.Println(res.Response)
				logExchange(convo, sessionID, line, res.Response, log)
			} else {
				fmt.Fprintf(os.Stderr, "error (%s): %s\n", res.Kind, res.Response)
			}
		}
	}
}

// logExchange records one completed turn in the conversation store.
// Failures are logged, not surfaced: the response was already delivered.
func logExchange(convo *memory.ConversationStore, sessionID, prompt, response string, log *slog.Logger) {
	if convo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := convo.Append(ctx, sessionID, domain.RoleUser, prompt); err != nil {
		log.Warn("conversation log append failed", "error", err)
		return
	}
	if err := convo.Append(ctx, sessionID, domain.RoleAssistant, response); err != nil {
		log.Warn("conversation log append failed", "error", err)
	}
}

func dumpStatus(cfg *config.Config, creds *credential.Manager) error {
	snapshot := struct {
		Credentials domain.CredentialStatus `json:"credentials"`
		Pool        struct {
			MaxConcurrent int `json:"max_concurrent"`
			QueueSize     int `json:"queue_size"`
		} `json:"pool"`
	}{Credentials: creds.Status()}
	snapshot.Pool.MaxConcurrent = cfg.Pool.MaxConcurrent
	snapshot.Pool.QueueSize = cfg.Pool.QueueSize

	out, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// buildSources assembles the configured knowledge sources in priority
// order, wrapping dependency-backed ones in their own circuit breaker.
// A source with no configuration is simply absent.
func buildSources(cfg *config.Config, bus domain.EventBus, log *slog.Logger) ([]domain.KnowledgeSource, *memory.ConversationStore, func(), error) {
	var sources []domain.KnowledgeSource
	var convo *memory.ConversationStore
	var closers []func()

	guard := func(src domain.KnowledgeSource) domain.KnowledgeSource {
		breaker := resilience.NewBreaker[string](src.Name(),
			cfg.Context.Breaker.MaxFailures, cfg.Context.Breaker.Cooldown.Std(),
			logger.WithComponent(log, "breaker"))
		breaker.OnTransition(func(name, from, to string) {
			bus.Publish(context.Background(), domain.NewBreakerEvent(name, from, to))
		})
		return memory.NewGuarded(src, breaker)
	}

	// The facts file is a local read; only sources backed by a real
	// dependency get a breaker.
	if cfg.Context.Facts.Path != "" {
		sources = append(sources, memory.NewFactsSource(cfg.Context.Facts.Path, cfg.Context.MaxChars))
	}
	if cfg.Context.Conversation.DBPath != "" {
		store, err := memory.NewConversationStore(cfg.Context.Conversation.DBPath, cfg.Context.Conversation.MaxTurns)
		if err != nil {
			return nil, nil, nil, err
		}
		convo = store
		closers = append(closers, func() { _ = store.Close() })
		sources = append(sources, guard(store))
	}
	if cfg.Context.Semantic.URL != "" {
		sources = append(sources, guard(memory.NewSemanticSource(
			cfg.Context.Semantic.URL,
			cfg.Context.Semantic.MaxResults,
			cfg.Context.Semantic.MaxChars,
			cfg.Context.Semantic.Timeout.Std())))
	}

	closer := func() {
		for _, c := range closers {
			c()
		}
	}
	return sources, convo, closer, nil
}

// waitBudget is the queue timeout plus the request deadline, with slack
// for dispatch overhead.
func waitBudget(cfg *config.Config) time.Duration {
	return cfg.Pool.QueueTimeout.Std() + cfg.Invoker.RequestDeadline.Std() + 10*time.Second
}
