// Package invoke drives single invocations of the external agent CLI:
// context assembly, process execution, output parsing, and the bounded
// retry ladder for quota exhaustion and broken sessions.
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"overseer/internal/credential"
	"overseer/internal/domain"
	"overseer/internal/infra/config"
	"overseer/internal/infra/tracer"
	"overseer/internal/metrics"
	"overseer/internal/usecase/contextbuild"
)

// minAttemptTimeout is the floor for a single attempt regardless of how
// little of the request deadline remains.
const minAttemptTimeout = 30 * time.Second

// agentReply is the JSON envelope the agent CLI prints in json output mode.
type agentReply struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
}

// Invoker runs one external agent process per request and converts its
// outcome into a domain.Result. It owns the retry ladder; the pool above
// it only sees terminal results.
type Invoker struct {
	cfg      config.InvokerConfig
	instPath string
	builder  *contextbuild.Builder
	creds    *credential.Manager
	recorder *metrics.Recorder
	bus      domain.EventBus
	runner   Runner
	logger   *slog.Logger
}

// New creates an Invoker. instructionsPath may be empty; a missing
// instructions file degrades to an empty preamble.
func New(
	cfg config.InvokerConfig,
	instructionsPath string,
	builder *contextbuild.Builder,
	creds *credential.Manager,
	recorder *metrics.Recorder,
	bus domain.EventBus,
	runner Runner,
	logger *slog.Logger,
) *Invoker {
	return &Invoker{
		cfg:      cfg,
		instPath: instructionsPath,
		builder:  builder,
		creds:    creds,
		recorder: recorder,
		bus:      bus,
		runner:   runner,
		logger:   logger,
	}
}

// Invoke runs the request to a terminal result. Retries never exceed
// cfg.MaxRetries and every attempt (including retries) is recorded in the
// metrics ring. The overall request deadline is anchored at the request's
// creation time, so time spent queued counts against it.
func (inv *Invoker) Invoke(ctx context.Context, req *domain.AgentRequest) domain.Result {
	ctx, span := tracer.StartSpan(ctx, "invoke.request",
		tracer.WithAttrs(tracer.StringAttr("request.id", req.ID)))
	defer span.End()

	deadline := req.CreatedAt.Add(inv.cfg.RequestDeadline.Std())
	sessionID := req.SessionID

	// Context is assembled on every attempt with the attempt's session
	// state: the builder skips history formatting for resumed sessions but
	// still supplies the knowledge bands and degradation notice, and a
	// retry that cleared the session gets the history back.
	var failedSources []string
	buildInput := func(session string) string {
		var contextBlock string
		contextBlock, failedSources = inv.builder.Build(ctx, req.Prompt, req.History, session)
		return inv.composeInput(contextBlock, req.Prompt)
	}

	retries := 0
	for {
		timeout, ok := inv.attemptTimeout(sessionID, deadline)
		if !ok {
			return domain.FailureResult(domain.KindTimeout,
				"Request deadline exhausted before the agent could run.", sessionID)
		}

		start := time.Now()
		res, err := inv.runner.Run(ctx,
			inv.argv(sessionID), inv.environ(), inv.cfg.WorkDir,
			buildInput(sessionID), timeout)
		elapsed := time.Since(start)

		outcome, result := inv.classify(res, err, sessionID, retries)
		inv.recorder.Record(elapsed, outcome == outcomeSuccess, failedSources)

		switch outcome {
		case outcomeSuccess, outcomeTerminal:
			if outcome == outcomeSuccess {
				tracer.SetOK(span)
			} else {
				tracer.RecordError(span, fmt.Errorf("invocation failed: %s", result.Kind))
			}
			return result

		case outcomeRetryClearSession:
			retries++
			inv.logger.Warn("retrying without session",
				"request_id", req.ID, "retry", retries, "had_session", sessionID != "")
			sessionID = ""
			req.SessionCleared = true
			req.RetryDepth = retries
		}
	}
}

type attemptOutcome int

const (
	outcomeSuccess attemptOutcome = iota
	outcomeTerminal
	outcomeRetryClearSession
)

// classify maps one attempt onto its outcome. The retry ladder, in order:
// quota exhaustion with a backup credential swaps and retries fresh; a
// non-zero exit on a resumed session retries fresh; an empty stdout on a
// resumed session (the CLI occasionally exits 0 with no output when resume
// fails) retries fresh. Everything else is terminal.
func (inv *Invoker) classify(res RunResult, err error, sessionID string, retries int) (attemptOutcome, domain.Result) {
	canRetry := retries < inv.cfg.MaxRetries

	if err != nil {
		if ctxErr := contextCause(err); ctxErr != "" {
			return outcomeTerminal, domain.FailureResult(domain.KindShutdown,
				"Request aborted: "+ctxErr, sessionID)
		}
		return outcomeTerminal, domain.FailureResult(domain.KindExecError,
			"Failed to start agent process: "+err.Error(), sessionID)
	}

	if res.TimedOut {
		msg := "Agent invocation timed out."
		if sessionID != "" {
			msg = "Agent invocation timed out (session resume can be slow; a fresh request may help)."
		}
		return outcomeTerminal, domain.FailureResult(domain.KindTimeout, msg, sessionID)
	}

	if res.ExitCode != 0 {
		combined := res.Stderr + "\n" + res.Stdout
		if swapped, label := inv.creds.CheckAndSwap(combined); swapped {
			inv.publishSwap(label)
			if canRetry {
				return outcomeRetryClearSession, domain.Result{}
			}
		}
		if sessionID != "" && canRetry {
			return outcomeRetryClearSession, domain.Result{}
		}
		return outcomeTerminal, domain.FailureResult(domain.KindExecError,
			fmt.Sprintf("Agent process exited with code %d: %s", res.ExitCode, firstLine(res.Stderr)),
			sessionID)
	}

	stdout := strings.TrimSpace(res.Stdout)
	if stdout == "" {
		if sessionID != "" && canRetry {
			return outcomeRetryClearSession, domain.Result{}
		}
		return outcomeTerminal, domain.FailureResult(domain.KindExecError,
			"Agent process produced no output.", sessionID)
	}

	var reply agentReply
	if jsonErr := json.Unmarshal([]byte(stdout), &reply); jsonErr != nil {
		// Older CLI versions print plain text despite the json flag.
		return outcomeSuccess, domain.Result{Kind: domain.KindOK, Response: stdout, SessionID: sessionID}
	}
	if reply.IsError {
		combined := reply.Result + "\n" + res.Stderr
		if swapped, label := inv.creds.CheckAndSwap(combined); swapped {
			inv.publishSwap(label)
			if canRetry {
				return outcomeRetryClearSession, domain.Result{}
			}
		}
		return outcomeTerminal, domain.FailureResult(domain.KindExecError,
			"Agent reported an error: "+firstLine(reply.Result), sessionID)
	}
	return outcomeSuccess, domain.Result{Kind: domain.KindOK, Response: reply.Result, SessionID: reply.SessionID}
}

// attemptTimeout derives the timeout for the next attempt: the per-attempt
// base (longer when resuming a session) raised to the floor, then clipped
// to what remains of the request deadline. The remaining deadline always
// wins; an attempt may never overshoot it. Returns false when the deadline
// has already passed.
func (inv *Invoker) attemptTimeout(sessionID string, deadline time.Time) (time.Duration, bool) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, false
	}
	base := inv.cfg.DefaultTimeout.Std()
	if sessionID != "" {
		base = inv.cfg.SessionResumeTimeout.Std()
	}
	timeout := base
	if timeout < minAttemptTimeout {
		timeout = minAttemptTimeout
	}
	if remaining < timeout {
		timeout = remaining
	}
	return timeout, true
}

func (inv *Invoker) argv(sessionID string) []string {
	argv := []string{inv.cfg.Binary,
		"--print",
		"--output-format", "json",
		"--permission-mode", "bypassPermissions",
	}
	argv = append(argv, inv.cfg.ExtraArgs...)
	if sessionID != "" {
		argv = append(argv, "--resume", sessionID)
	}
	return argv
}

func (inv *Invoker) environ() []string {
	env := os.Environ()
	for k, v := range inv.cfg.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "IS_SANDBOX=1")
	return env
}

// composeInput builds the stdin payload for one attempt: operator
// instructions, assembled context, then the request itself.
func (inv *Invoker) composeInput(contextBlock, prompt string) string {
	var sb strings.Builder
	if preamble := inv.loadPreamble(); preamble != "" {
		sb.WriteString(preamble)
		sb.WriteString("\n\n")
	}
	if contextBlock != "" {
		sb.WriteString(contextBlock)
		sb.WriteString("\n")
	}
	sb.WriteString("Current user request: ")
	sb.WriteString(prompt)
	return sb.String()
}

// loadPreamble reads operator instructions fresh on every invocation so
// edits take effect without a restart.
func (inv *Invoker) loadPreamble() string {
	if inv.instPath == "" {
		return ""
	}
	data, err := os.ReadFile(inv.instPath)
	if err != nil {
		if !os.IsNotExist(err) {
			inv.logger.Warn("instructions file unreadable", "path", inv.instPath, "error", err)
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (inv *Invoker) publishSwap(label string) {
	inv.bus.Publish(context.Background(), domain.NewCredentialSwapEvent(label))
}

func contextCause(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "shutting down"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline exceeded"
	default:
		return ""
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
