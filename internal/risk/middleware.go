package risk

import (
	"context"
	"net/http"
	"strconv"

	"github.com/relaymesh/agentgate/internal/auth"
	"github.com/relaymesh/agentgate/internal/observability"
	"github.com/relaymesh/agentgate/internal/stepup"
)

// Response headers exposing the classification.
const (
	HeaderRiskLevel  = "X-Risk-Level"
	HeaderRiskScore  = "X-Risk-Score"
	HeaderMultiplier = "X-RateLimit-Multiplier"
)

type assessmentKey struct{}

// ContextWithAssessment stores the request's risk assessment.
func ContextWithAssessment(ctx context.Context, a Assessment) context.Context {
	return context.WithValue(ctx, assessmentKey{}, a)
}

// AssessmentFromContext returns the request's risk assessment, if any.
func AssessmentFromContext(ctx context.Context) (Assessment, bool) {
	a, ok := ctx.Value(assessmentKey{}).(Assessment)
	return a, ok
}

// Middleware classifies every authenticated request, exposes the result as
// response headers, and enforces step-up verification on high-risk
// sensitive actions.
type Middleware struct {
	classifier *Classifier
	events     EventStore
	verifier   *stepup.Verifier
	policies   *PolicySet
	logger     observability.Logger
	metrics    *Metrics
}

// MiddlewareOption configures the Middleware.
type MiddlewareOption func(*Middleware)

// WithStepUpVerifier enables step-up enforcement. Without a verifier,
// high-risk sensitive requests are rejected outright.
func WithStepUpVerifier(v *stepup.Verifier) MiddlewareOption {
	return func(m *Middleware) { m.verifier = v }
}

// WithPolicySet wires the CEL sensitivity policies.
func WithPolicySet(ps *PolicySet) MiddlewareOption {
	return func(m *Middleware) { m.policies = ps }
}

// WithMiddlewareLogger sets the logger.
func WithMiddlewareLogger(logger observability.Logger) MiddlewareOption {
	return func(m *Middleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMiddleware creates the risk middleware.
func NewMiddleware(classifier *Classifier, events EventStore, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		classifier: classifier,
		events:     events,
		logger:     observability.NopLogger(),
		metrics:    GetMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handler returns the HTTP middleware. It must run after the auth
// middleware; requests without an auth context pass through unclassified.
func (m *Middleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := auth.FromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			subjectType, subjectID := ac.Subject()
			assessment := m.classifier.Classify(r.Context(), subjectType, subjectID)
			m.metrics.classificationsTotal.WithLabelValues(string(assessment.Level)).Inc()

			w.Header().Set(HeaderRiskLevel, string(assessment.Level))
			w.Header().Set(HeaderRiskScore, strconv.Itoa(assessment.BucketedScore()))
			w.Header().Set(HeaderMultiplier, strconv.FormatFloat(assessment.Multiplier, 'f', 2, 64))

			ctx := ContextWithAssessment(r.Context(), assessment)

			if assessment.Level == LevelHigh {
				m.recordHighRisk(ctx, ac, r, assessment)

				if sensitive, policy := m.requiresStepUp(ac, r); sensitive {
					if rej := m.checkStepUp(r, subjectType, subjectID); rej != nil {
						m.metrics.stepUpDenialsTotal.Inc()
						m.logger.Info("step-up required",
							observability.String("key_id", ac.KeyID),
							observability.String("policy", policy),
							observability.Int("risk_score", assessment.Score))
						auth.WriteRejection(w, ac.RequestID, rej)
						return
					}
				}
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requiresStepUp reports whether a high-risk request needs step-up proof:
// any mutating verb, or a match from the sensitivity policies. The second
// return names the matching policy, empty for the verb trigger.
func (m *Middleware) requiresStepUp(ac *auth.AuthContext, r *http.Request) (bool, string) {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true, ""
	}
	if m.policies == nil {
		return false, ""
	}
	return m.policies.Sensitive(RequestAttrs{
		Method: r.Method,
		Path:   r.URL.Path,
		Tier:   ac.Tier,
		Scopes: ac.Scopes,
	})
}

func (m *Middleware) checkStepUp(r *http.Request, subjectType, subjectID string) *auth.Rejection {
	token := r.Header.Get(auth.HeaderStepUpToken)
	if token == "" {
		return auth.Reject(auth.CodeStepUpRequired, "step-up verification required for this request")
	}
	if m.verifier == nil {
		return auth.Reject(auth.CodeStepUpRequired, "step-up verification is not available")
	}
	if err := m.verifier.Verify(token, subjectType+":"+subjectID); err != nil {
		return auth.RejectWrap(auth.CodeStepUpRequired, "step-up token rejected", err)
	}
	return nil
}

// recordHighRisk appends the high_risk_request event. Append failures are
// logged; classification already happened and the request outcome must not
// depend on the audit write.
func (m *Middleware) recordHighRisk(ctx context.Context, ac *auth.AuthContext, r *http.Request, assessment Assessment) {
	ev := &Event{
		OrgID:     ac.OrgID,
		ActorID:   ac.AgentID,
		EventType: EventHighRiskRequest,
		Severity:  SeverityMedium,
		Metadata: map[string]string{
			"method": r.Method,
			"path":   r.URL.Path,
			"score":  strconv.Itoa(assessment.Score),
		},
	}
	if err := m.events.Append(ctx, ev); err != nil {
		m.logger.Warn("appending high risk event failed",
			observability.String("org_id", ac.OrgID),
			observability.Error(err))
		return
	}
	m.metrics.eventsTotal.WithLabelValues(EventHighRiskRequest).Inc()
}
