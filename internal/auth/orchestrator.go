// Package auth orchestrates request authentication: header validation,
// credential resolution, timestamp and signature checks, and idempotency
// lookup, in a fixed order with a typed rejection at every exit.
//
// Credential and signature checks fail closed; the idempotency cache fails
// open. Every rejection that resolved a credential increments that
// credential's failure counter.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaymesh/agentgate/internal/credential"
	"github.com/relaymesh/agentgate/internal/idempotency"
	"github.com/relaymesh/agentgate/internal/observability"
	"github.com/relaymesh/agentgate/internal/signature"
)

// Request headers carrying authentication material.
const (
	HeaderKeyID       = "X-Agent-Key"
	HeaderTimestamp   = "X-Agent-Timestamp"
	HeaderSignature   = "X-Agent-Signature"
	HeaderIdempotency = "X-Idempotency-Key"
	HeaderStepUpToken = "X-Step-Up-Token"
)

// State is a stage of the authentication pipeline. States advance strictly
// forward; a failed check moves to StateRejected and stops.
type State int

// Pipeline states in order of progression.
const (
	StateStart State = iota
	StateHeadersValid
	StateKeyResolved
	StateTimestampOK
	StateSignatureOK
	StateIdempotencyChecked
	StateAuthorized
	StateRejected
)

var stateNames = map[State]string{
	StateStart:              "start",
	StateHeadersValid:       "headers_valid",
	StateKeyResolved:        "key_resolved",
	StateTimestampOK:        "timestamp_ok",
	StateSignatureOK:        "signature_ok",
	StateIdempotencyChecked: "idempotency_checked",
	StateAuthorized:         "authorized",
	StateRejected:           "rejected",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Headers are the authentication header values extracted from a request.
type Headers struct {
	KeyID       string
	Timestamp   string
	Signature   string
	ClientToken string
}

// Result is a successful authentication decision.
type Result struct {
	Auth  *AuthContext
	State State

	// Replay is set when the idempotency cache already holds the response
	// for this request; the caller must serve it without re-running side
	// effects.
	Replay *idempotency.Record

	// BodyHash and ClientToken let the caller store the completed response
	// under the same fingerprints the check used.
	BodyHash    string
	ClientToken string
}

// EventSink receives authentication outcomes for reputation and risk
// bookkeeping. rej is nil on success. Implementations must return quickly
// or hand the work off themselves.
type EventSink interface {
	AuthenticationResult(ctx context.Context, cred *credential.Credential, rej *Rejection)
}

// Orchestrator runs the authentication pipeline.
type Orchestrator struct {
	store        credential.Store
	clock        *signature.Clock
	cache        idempotency.Cache
	sink         EventSink
	logger       observability.Logger
	metrics      *Metrics
	storeTimeout time.Duration
	maxBodyBytes int64
	now          func() time.Time
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the timestamp drift checker.
func WithClock(clock *signature.Clock) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithCache sets the idempotency cache. Without one, idempotency checks
// are skipped entirely.
func WithCache(cache idempotency.Cache) Option {
	return func(o *Orchestrator) { o.cache = cache }
}

// WithEventSink sets the outcome sink.
func WithEventSink(sink EventSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithStoreTimeout bounds credential store calls.
func WithStoreTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.storeTimeout = timeout
		}
	}
}

// WithMaxBodyBytes overrides the maximum signable body size.
func WithMaxBodyBytes(n int64) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxBodyBytes = n
		}
	}
}

// WithNow overrides the time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator creates an authentication orchestrator over the given
// credential store.
func NewOrchestrator(store credential.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		logger:       observability.NopLogger(),
		metrics:      GetMetrics(),
		storeTimeout: 2 * time.Second,
		maxBodyBytes: signature.MaxBodyBytes,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = signature.NewClock(signature.DefaultDriftWindow, o.now)
	}
	return o
}

// Authenticate runs the pipeline for one request. On rejection the returned
// *Rejection carries the code and a safe message; the result is nil.
func (o *Orchestrator) Authenticate(ctx context.Context, method, path string, hdr Headers, body []byte, requestID string) (*Result, *Rejection) {
	ctx, span := otel.Tracer("agentgate/auth").Start(ctx, "auth.Authenticate",
		trace.WithAttributes(attribute.String("http.method", method)))
	defer span.End()

	start := o.now()
	res, rej := o.authenticate(ctx, method, path, hdr, body, requestID)
	if rej != nil {
		span.SetStatus(codes.Error, string(rej.Code))
	}
	o.metrics.attemptDuration.Observe(o.now().Sub(start).Seconds())
	if rej != nil {
		o.metrics.attemptsTotal.WithLabelValues(string(rej.Code)).Inc()
	} else if res.Replay != nil {
		o.metrics.attemptsTotal.WithLabelValues("replay").Inc()
		o.metrics.replaysTotal.Inc()
	} else {
		o.metrics.attemptsTotal.WithLabelValues("authorized").Inc()
	}
	return res, rej
}

func (o *Orchestrator) authenticate(ctx context.Context, method, path string, hdr Headers, body []byte, requestID string) (*Result, *Rejection) {
	state := StateStart

	if hdr.KeyID == "" || hdr.Timestamp == "" || hdr.Signature == "" {
		return nil, o.rejected(ctx, nil, state, requestID,
			Reject(CodeProtocolError, "missing authentication headers"))
	}
	if int64(len(body)) > o.maxBodyBytes {
		return nil, o.rejected(ctx, nil, state, requestID,
			Reject(CodeProtocolError, "request body too large"))
	}
	state = StateHeadersValid

	cred, rej := o.resolve(ctx, hdr.KeyID)
	if rej != nil {
		return nil, o.rejected(ctx, nil, state, requestID, rej)
	}
	state = StateKeyResolved

	if !cred.IsUsable(o.now()) {
		return nil, o.rejected(ctx, cred, state, requestID,
			Reject(CodeUnauthorized, "credential not usable"))
	}

	if _, err := o.clock.Check(hdr.Timestamp); err != nil {
		return nil, o.rejected(ctx, cred, state, requestID,
			RejectWrap(CodeUnauthorized, "timestamp rejected", err))
	}
	state = StateTimestampOK

	sigReq := signature.Request{
		Method:    method,
		Path:      path,
		Timestamp: hdr.Timestamp,
		Body:      body,
		MessageID: extractMessageID(body),
	}
	if err := signature.Verify(sigReq, cred.Secret, hdr.Signature); err != nil {
		return nil, o.rejected(ctx, cred, state, requestID,
			RejectWrap(CodeUnauthorized, "signature verification failed", err))
	}
	state = StateSignatureOK

	result := &Result{
		BodyHash:    signature.BodyHash(body),
		ClientToken: hdr.ClientToken,
	}

	if o.cache != nil && isMutating(method) {
		check, err := o.cache.Check(ctx, cred.KeyID, result.BodyHash, hdr.ClientToken)
		switch {
		case err != nil:
			// Fail open: the cache is a safety net, not a gate.
			o.logger.Warn("idempotency check failed, proceeding without dedup",
				observability.String("key_id", cred.KeyID),
				observability.Error(err))
		case check.Outcome == idempotency.OutcomeConflict:
			return nil, o.rejected(ctx, cred, state, requestID,
				Reject(CodeIdempotencyConflict, "idempotency token reused with a different body"))
		case check.Outcome == idempotency.OutcomeReplay:
			// A cached hit short-circuits here: replays touch no
			// counters and score no usage.
			result.Replay = check.Record
			result.State = StateIdempotencyChecked
			return result, nil
		}
		state = StateIdempotencyChecked
	}

	if err := o.store.RecordSuccess(ctx, cred.KeyID, o.now()); err != nil {
		o.logger.Warn("recording credential success failed",
			observability.String("key_id", cred.KeyID),
			observability.Error(err))
	}
	if o.sink != nil {
		o.sink.AuthenticationResult(ctx, cred, nil)
	}

	state = StateAuthorized
	result.State = state
	result.Auth = &AuthContext{
		OrgID:     cred.OrgID,
		KeyID:     cred.KeyID,
		Scopes:    cred.Scopes,
		Tier:      cred.Tier,
		RequestID: requestID,
	}
	if agentID, ok := cred.AgentScope(); ok {
		result.Auth.AgentID = agentID
	}
	return result, nil
}

// resolve looks up the credential under a bounded timeout. Store errors
// other than a missing key fail closed as internal errors.
func (o *Orchestrator) resolve(ctx context.Context, keyID string) (*credential.Credential, *Rejection) {
	ctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()

	cred, err := o.store.Resolve(ctx, keyID)
	if errors.Is(err, credential.ErrNotFound) {
		return nil, Reject(CodeUnauthorized, "unknown key")
	}
	if err != nil {
		return nil, RejectWrap(CodeInternalError, "credential lookup failed", err)
	}
	return cred, nil
}

// rejected finalizes a rejection: it increments the failure counter when a
// credential was resolved, notifies the sink, and logs the decision.
func (o *Orchestrator) rejected(ctx context.Context, cred *credential.Credential, state State, requestID string, rej *Rejection) *Rejection {
	fields := []observability.Field{
		observability.String("state", state.String()),
		observability.String("code", string(rej.Code)),
		observability.String("request_id", requestID),
	}
	if cred != nil {
		fields = append(fields, observability.String("key_id", cred.KeyID))
		if err := o.store.RecordFailure(ctx, cred.KeyID, o.now()); err != nil {
			o.logger.Warn("recording credential failure failed",
				observability.String("key_id", cred.KeyID),
				observability.Error(err))
		}
	}
	if o.sink != nil {
		o.sink.AuthenticationResult(ctx, cred, rej)
	}
	o.logger.Info("authentication rejected", fields...)
	return rej
}

// extractMessageID pulls a top-level message_id from a JSON body. Bodies
// that are not JSON objects simply sign without one.
func extractMessageID(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var probe struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.MessageID
}

// isMutating reports whether the verb can have side effects worth
// deduplicating.
func isMutating(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}
