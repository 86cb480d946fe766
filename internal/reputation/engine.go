package reputation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/relaymesh/agentgate/internal/observability"
)

// HygieneSource supplies recent auth-failure and rate-limit counts. It is
// satisfied by the risk event store; the indirection keeps this package
// free of a risk dependency.
type HygieneSource interface {
	HygieneStats(ctx context.Context, subjectType, subjectID string, since time.Time) (HygieneStats, error)
}

// nopHygiene reports a clean record. Used when no source is wired.
type nopHygiene struct{}

func (nopHygiene) HygieneStats(context.Context, string, string, time.Time) (HygieneStats, error) {
	return HygieneStats{}, nil
}

// Engine computes and persists reputation scores.
type Engine struct {
	usage        UsageStore
	attestations AttestationStore
	snapshots    SnapshotStore
	hygiene      HygieneSource
	logger       observability.Logger
	metrics      *Metrics

	horizon       time.Duration
	activityScale float64
	now           func() time.Time
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithHygieneSource wires the auth-failure and rate-limit counts.
func WithHygieneSource(src HygieneSource) EngineOption {
	return func(e *Engine) {
		if src != nil {
			e.hygiene = src
		}
	}
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger observability.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithAttestationHorizon sets the linear decay horizon.
func WithAttestationHorizon(horizon time.Duration) EngineOption {
	return func(e *Engine) {
		if horizon > 0 {
			e.horizon = horizon
		}
	}
}

// WithActivityScale sets the event count that saturates the usage factor.
func WithActivityScale(scale float64) EngineOption {
	return func(e *Engine) {
		if scale > 0 {
			e.activityScale = scale
		}
	}
}

// WithEngineNow overrides the time source, for tests.
func WithEngineNow(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a reputation engine over the given stores.
func NewEngine(usage UsageStore, attestations AttestationStore, snapshots SnapshotStore, opts ...EngineOption) *Engine {
	e := &Engine{
		usage:         usage,
		attestations:  attestations,
		snapshots:     snapshots,
		hygiene:       nopHygiene{},
		logger:        observability.NopLogger(),
		metrics:       GetMetrics(),
		horizon:       DefaultAttestationHorizon,
		activityScale: DefaultActivityScale,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ComputeScore computes the five factors for a subject over the window,
// appends a snapshot, and returns it.
func (e *Engine) ComputeScore(ctx context.Context, subjectType, subjectID string, window Window) (*Snapshot, error) {
	length, err := window.Duration()
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	since := now.Add(-length)

	activity, err := e.usage.Stats(ctx, subjectType, subjectID, since)
	if err != nil {
		return nil, fmt.Errorf("loading activity: %w", err)
	}
	hygiene, err := e.hygiene.HygieneStats(ctx, subjectType, subjectID, since)
	if err != nil {
		return nil, fmt.Errorf("loading hygiene stats: %w", err)
	}
	attestations, err := e.attestations.Active(ctx, subjectType, subjectID)
	if err != nil {
		return nil, fmt.Errorf("loading attestations: %w", err)
	}

	breakdown := []FactorScore{
		{Name: FactorReliability, Score: reliabilityScore(activity), Weight: Weight(FactorReliability)},
		{Name: FactorCommerce, Score: commerceScore(activity), Weight: Weight(FactorCommerce)},
		{Name: FactorHygiene, Score: hygieneScore(hygiene), Weight: Weight(FactorHygiene)},
		{Name: FactorAttestations, Score: attestationScore(attestations, now, e.horizon), Weight: Weight(FactorAttestations)},
		{Name: FactorUsage, Score: usageScore(activity, e.activityScale), Weight: Weight(FactorUsage)},
	}

	var total float64
	for _, f := range breakdown {
		total += f.Contribution()
	}
	snap := &Snapshot{
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Window:      window,
		Score:       int(clamp(math.Round(total), 0, 100)),
		Breakdown:   breakdown,
		ComputedAt:  now,
	}
	if err := e.snapshots.Insert(ctx, snap); err != nil {
		return nil, err
	}

	e.metrics.computesTotal.WithLabelValues(string(window)).Inc()
	e.logger.Debug("reputation snapshot computed",
		observability.String("subject_type", subjectType),
		observability.String("subject_id", subjectID),
		observability.String("window", string(window)),
		observability.Int("score", snap.Score))
	return snap, nil
}

// RecomputeAll recomputes every subject active within the window. Subjects
// are independent, so a failure on one is logged and the batch continues.
// It returns the number of snapshots written.
func (e *Engine) RecomputeAll(ctx context.Context, window Window) (int, error) {
	length, err := window.Duration()
	if err != nil {
		return 0, err
	}
	subjects, err := e.usage.Subjects(ctx, e.now().UTC().Add(-length))
	if err != nil {
		return 0, err
	}

	written := 0
	for _, sub := range subjects {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if _, err := e.ComputeScore(ctx, sub.Type, sub.ID, window); err != nil {
			e.logger.Warn("recompute failed for subject",
				observability.String("subject_type", sub.Type),
				observability.String("subject_id", sub.ID),
				observability.Error(err))
			continue
		}
		written++
	}
	return written, nil
}
