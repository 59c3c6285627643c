package domain

// ResultKind tags the terminal outcome of a request. Callers branch on the
// kind instead of probing response text for error markers.
type ResultKind string

const (
	KindOK           ResultKind = "ok"
	KindQueueFull    ResultKind = "queue_full"
	KindQueueTimeout ResultKind = "queue_timeout"
	KindResourcesLow ResultKind = "resources_low"
	KindRateLimited  ResultKind = "rate_limited"
	KindTimeout      ResultKind = "timeout"
	KindExecError    ResultKind = "exec_error"
	KindShutdown     ResultKind = "shutdown"
	KindWaitTimeout  ResultKind = "wait_timeout"
)

// Result is the terminal outcome of one agent request. Every request
// eventually receives a Result; no code path surfaces a panic or a bare
// error to the submitting caller.
type Result struct {
	Kind      ResultKind `json:"kind"`
	Response  string     `json:"response"`
	SessionID string     `json:"session_id,omitempty"`
}

// OK reports whether the request produced a usable agent response.
func (r Result) OK() bool { return r.Kind == KindOK }

// FailureResult builds a non-OK result carrying a human-readable message.
func FailureResult(kind ResultKind, message, sessionID string) Result {
	return Result{Kind: kind, Response: message, SessionID: sessionID}
}
