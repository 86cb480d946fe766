package risk

import (
	"context"

	"github.com/relaymesh/agentgate/internal/auth"
	"github.com/relaymesh/agentgate/internal/credential"
	"github.com/relaymesh/agentgate/internal/observability"
	"github.com/relaymesh/agentgate/internal/reputation"
)

// Sink feeds authentication outcomes into the risk event log and the usage
// event stream, closing the loop between the gate and the scoring stores.
type Sink struct {
	events  EventStore
	usage   reputation.UsageStore
	logger  observability.Logger
	metrics *Metrics
}

// NewSink creates the outcome sink. usage may be nil to skip usage
// recording.
func NewSink(events EventStore, usage reputation.UsageStore, logger observability.Logger) *Sink {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Sink{
		events:  events,
		usage:   usage,
		logger:  logger,
		metrics: GetMetrics(),
	}
}

// AuthenticationResult implements auth.EventSink. Failures that resolved a
// credential become auth_failure risk events; every resolved outcome also
// lands in the usage stream, feeding the reliability and usage factors.
func (s *Sink) AuthenticationResult(ctx context.Context, cred *credential.Credential, rej *auth.Rejection) {
	if cred == nil {
		// Nothing to attribute; unknown keys stay out of both logs.
		return
	}

	subjectType, subjectID := cred.Subject()

	if rej != nil {
		ev := &Event{
			OrgID:     cred.OrgID,
			EventType: EventAuthFailure,
			Severity:  SeverityLow,
			Metadata:  map[string]string{"code": string(rej.Code)},
		}
		if agentID, ok := cred.AgentScope(); ok {
			ev.ActorID = agentID
		}
		if err := s.events.Append(ctx, ev); err != nil {
			s.logger.Warn("appending auth failure event failed",
				observability.String("key_id", cred.KeyID),
				observability.Error(err))
		} else {
			s.metrics.eventsTotal.WithLabelValues(EventAuthFailure).Inc()
		}
	}

	if s.usage == nil {
		return
	}
	outcome := reputation.OutcomeSuccess
	if rej != nil {
		outcome = reputation.OutcomeFailure
	}
	err := s.usage.Record(ctx, &reputation.UsageEvent{
		SubjectType: subjectType,
		SubjectID:   subjectID,
		EventType:   reputation.EventCoordinate,
		Outcome:     outcome,
	})
	if err != nil {
		s.logger.Warn("recording usage event failed",
			observability.String("key_id", cred.KeyID),
			observability.Error(err))
	}
}

var _ auth.EventSink = (*Sink)(nil)
