// Package pool admits, queues, and dispatches agent requests. Admission is
// layered: an optional submission rate limit, a bounded queue, a
// concurrency semaphore, and a host resource check. Every admitted request
// runs on its own goroutine so slow invocations never serialize the rest.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"overseer/internal/domain"
	"overseer/internal/infra/config"
)

const promptPreviewLen = 100

// Invoker runs one request to a terminal result. Satisfied by
// usecase/invoke.Invoker.
type Invoker interface {
	Invoke(ctx context.Context, req *domain.AgentRequest) domain.Result
}

// HealthChecker gates admission on host resources.
type HealthChecker interface {
	Check() (bool, string)
}

// AgentPool is the single entry point for running requests. Submit either
// enqueues the request or completes it at once with an admission failure;
// the terminal result always arrives through the request's Wait/Callback.
type AgentPool struct {
	cfg     config.PoolConfig
	invoker Invoker
	checker HealthChecker
	bus     domain.EventBus
	logger  *slog.Logger

	limiter *rate.Limiter
	sem     *semaphore.Weighted
	queue   chan *domain.AgentRequest

	baseCtx context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	active  map[string]domain.ActiveSession
	stopped bool
}

// New creates an AgentPool. Call Start before submitting.
func New(cfg config.PoolConfig, invoker Invoker, checker HealthChecker, bus domain.EventBus, logger *slog.Logger) *AgentPool {
	var limiter *rate.Limiter
	if cfg.SubmitRate > 0 {
		burst := cfg.SubmitBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AgentPool{
		cfg:     cfg,
		invoker: invoker,
		checker: checker,
		bus:     bus,
		logger:  logger,
		limiter: limiter,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		queue:   make(chan *domain.AgentRequest, cfg.QueueSize),
		baseCtx: ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		active:  make(map[string]domain.ActiveSession),
	}
}

// Start launches the dispatcher.
func (p *AgentPool) Start() {
	p.wg.Add(1)
	go p.dispatch()
}

// Submit places the request in the queue. It never blocks: a full queue,
// an active rate limit, or a stopped pool completes the request
// immediately with the corresponding failure kind and returns the matching
// sentinel error. A nil return means the request was queued and will be
// completed later.
func (p *AgentPool) Submit(req *domain.AgentRequest) error {
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}

	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		req.Complete(domain.FailureResult(domain.KindShutdown,
			"The system is shutting down.", req.SessionID))
		p.finish(req)
		return domain.ErrShutdown
	}

	if p.limiter != nil && !p.limiter.Allow() {
		req.Complete(domain.FailureResult(domain.KindRateLimited,
			"Too many requests right now. Try again shortly.", req.SessionID))
		p.finish(req)
		return domain.ErrRateLimited
	}

	select {
	case p.queue <- req:
		p.logger.Debug("request queued", "request_id", req.ID, "queue_depth", len(p.queue))
		p.publish(domain.EventRequestQueued, req.ID, "")
		return nil
	default:
		req.Complete(domain.FailureResult(domain.KindQueueFull,
			"The request queue is full. Try again later.", req.SessionID))
		p.finish(req)
		return domain.ErrQueueFull
	}
}

// dispatch is the single goroutine that pulls queued requests through the
// concurrency and resource gates. Blocking here while waiting for a slot
// is deliberate: queue order is preserved and at most one request holds a
// claim it has not started using.
func (p *AgentPool) dispatch() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case req := <-p.queue:
			p.admit(req)
		}
	}
}

func (p *AgentPool) admit(req *domain.AgentRequest) {
	ctx, cancel := context.WithTimeout(p.baseCtx, p.cfg.QueueTimeout.Std())
	err := p.sem.Acquire(ctx, 1)
	cancel()
	if err != nil {
		if p.baseCtx.Err() != nil {
			req.Complete(domain.FailureResult(domain.KindShutdown,
				"The system is shutting down.", req.SessionID))
		} else {
			req.Complete(domain.FailureResult(domain.KindQueueTimeout,
				"Timed out waiting for an available agent slot.", req.SessionID))
		}
		p.finish(req)
		return
	}

	if ok, reason := p.checker.Check(); !ok {
		p.sem.Release(1)
		p.logger.Warn("request refused, resources low", "request_id", req.ID, "reason", reason)
		req.Complete(domain.FailureResult(domain.KindResourcesLow,
			"System resources are low ("+reason+"). Try again in a few minutes.", req.SessionID))
		p.finish(req)
		return
	}

	p.wg.Add(1)
	go p.run(req)
}

func (p *AgentPool) run(req *domain.AgentRequest) {
	defer p.wg.Done()
	defer p.sem.Release(1)

	p.markActive(req)
	defer p.unmarkActive(req.ID)

	p.publish(domain.EventRequestStarted, req.ID, "")
	start := time.Now()

	res := p.invoker.Invoke(p.baseCtx, req)
	req.Complete(res)

	p.logger.Info("request finished",
		"request_id", req.ID, "kind", string(res.Kind), "duration", time.Since(start))
	p.finish(req)
}

// finish delivers the completion signal to observers: the optional
// callback and the event bus. The request is already completed.
func (p *AgentPool) finish(req *domain.AgentRequest) {
	res := req.Result()
	if res.OK() {
		p.publish(domain.EventRequestCompleted, req.ID, res.Kind)
	} else {
		p.publish(domain.EventRequestFailed, req.ID, res.Kind)
	}
	if req.Callback != nil {
		req.Callback(req)
	}
}

// Status returns a snapshot of the pool for reporting.
func (p *AgentPool) Status() domain.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	sessions := make([]domain.ActiveSession, 0, len(p.active))
	for _, s := range p.active {
		sessions = append(sessions, s)
	}
	return domain.PoolStatus{
		ActiveSessions: len(p.active),
		MaxSessions:    p.cfg.MaxConcurrent,
		QueueDepth:     len(p.queue),
		Sessions:       sessions,
	}
}

// Shutdown stops admission, fails queued requests, waits up to the
// configured grace for in-flight invocations, then cancels them. It is
// safe to call once.
func (p *AgentPool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	// Fail whatever never reached the dispatcher.
drain:
	for {
		select {
		case req := <-p.queue:
			req.Complete(domain.FailureResult(domain.KindShutdown,
				"The system is shutting down.", req.SessionID))
			p.finish(req)
		default:
			break drain
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace.Std()):
		p.logger.Warn("shutdown grace elapsed, cancelling in-flight invocations")
		p.cancel()
		<-done
	}
	p.cancel()
}

func (p *AgentPool) markActive(req *domain.AgentRequest) {
	preview := req.Prompt
	if len(preview) > promptPreviewLen {
		preview = preview[:promptPreviewLen]
	}
	p.mu.Lock()
	p.active[req.ID] = domain.ActiveSession{
		RequestID:     req.ID,
		StartedAt:     time.Now(),
		PromptPreview: preview,
	}
	p.mu.Unlock()
}

func (p *AgentPool) unmarkActive(id string) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

func (p *AgentPool) publish(t domain.EventType, requestID string, kind domain.ResultKind) {
	p.bus.Publish(p.baseCtx, domain.NewRequestEvent(t, requestID, kind))
}
