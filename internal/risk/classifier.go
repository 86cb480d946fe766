package risk

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/relaymesh/agentgate/internal/observability"
	"github.com/relaymesh/agentgate/internal/reputation"
)

// Level is the risk bucket of a request.
type Level string

// Risk levels.
const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Component weights. They sum to 1.0.
const (
	weightReputation = 0.60
	weightEvents     = 0.25
	weightAuth       = 0.15
)

// neutralReputation stands in when a subject has never been scored.
const neutralReputation = 50.0

// eventWindow bounds the two event counts feeding the classification.
const eventWindow = 7 * 24 * time.Hour

// Thresholds are the level cut points: score >= Low is low risk,
// score >= Medium is medium, anything below is high.
type Thresholds struct {
	Low    float64
	Medium float64
}

// DefaultThresholds per the classification contract.
var DefaultThresholds = Thresholds{Low: 70, Medium: 40}

// Multipliers map levels to adaptive rate-limit multipliers.
type Multipliers struct {
	Low    float64
	Medium float64
	High   float64
}

// DefaultMultipliers per the classification contract.
var DefaultMultipliers = Multipliers{Low: 1.2, Medium: 1.0, High: 0.5}

// ForLevel returns the multiplier for a level.
func (m Multipliers) ForLevel(level Level) float64 {
	switch level {
	case LevelLow:
		return m.Low
	case LevelMedium:
		return m.Medium
	default:
		return m.High
	}
}

// Assessment is the outcome of classifying one request.
type Assessment struct {
	Score      int
	Level      Level
	Multiplier float64

	// Components, each in [0,100], for explanations and logging.
	ReputationComponent float64
	EventsComponent     float64
	AuthComponent       float64
}

// BucketedScore rounds the score to the nearest 10 for external exposure.
func (a Assessment) BucketedScore() int {
	return int(math.Round(float64(a.Score)/10) * 10)
}

// Classifier computes per-request risk. The computation is deliberately
// cheap: one snapshot lookup plus two bounded counts.
type Classifier struct {
	snapshots reputation.SnapshotStore
	events    EventStore
	logger    observability.Logger
	now       func() time.Time

	mu          sync.RWMutex
	thresholds  Thresholds
	multipliers Multipliers
}

// ClassifierOption configures the Classifier.
type ClassifierOption func(*Classifier)

// WithClassifierLogger sets the logger.
func WithClassifierLogger(logger observability.Logger) ClassifierOption {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithThresholds sets the level cut points.
func WithThresholds(t Thresholds) ClassifierOption {
	return func(c *Classifier) { c.thresholds = t }
}

// WithMultipliers sets the per-level multipliers.
func WithMultipliers(m Multipliers) ClassifierOption {
	return func(c *Classifier) { c.multipliers = m }
}

// WithClassifierNow overrides the time source, for tests.
func WithClassifierNow(now func() time.Time) ClassifierOption {
	return func(c *Classifier) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClassifier creates a risk classifier.
func NewClassifier(snapshots reputation.SnapshotStore, events EventStore, opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		snapshots:   snapshots,
		events:      events,
		logger:      observability.NopLogger(),
		now:         time.Now,
		thresholds:  DefaultThresholds,
		multipliers: DefaultMultipliers,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetThresholds updates the cut points at runtime, for config reloads.
func (c *Classifier) SetThresholds(t Thresholds) {
	if t.Low <= t.Medium {
		return
	}
	c.mu.Lock()
	c.thresholds = t
	c.mu.Unlock()
}

// SetMultipliers updates the per-level multipliers at runtime.
func (c *Classifier) SetMultipliers(m Multipliers) {
	c.mu.Lock()
	c.multipliers = m
	c.mu.Unlock()
}

// Classify scores a subject. Store errors degrade the affected component to
// its neutral value rather than failing the request.
func (c *Classifier) Classify(ctx context.Context, subjectType, subjectID string) Assessment {
	since := c.now().UTC().Add(-eventWindow)

	repComponent := neutralReputation
	snap, err := c.snapshots.Latest(ctx, subjectType, subjectID)
	switch {
	case err == nil:
		repComponent = float64(snap.Score)
	case !errors.Is(err, reputation.ErrNoSnapshot):
		c.logger.Warn("reputation lookup failed, using neutral component",
			observability.String("subject_id", subjectID),
			observability.Error(err))
	}

	eventsComponent := 100.0
	penalty, err := c.events.WeightedPenalty(ctx, subjectType, subjectID, since)
	if err != nil {
		c.logger.Warn("event penalty lookup failed, using clean component",
			observability.String("subject_id", subjectID),
			observability.Error(err))
	} else {
		eventsComponent = clampScore(100 - penalty)
	}

	authComponent := 100.0
	failures, err := c.events.AuthFailures(ctx, subjectType, subjectID, since)
	if err != nil {
		c.logger.Warn("auth failure count failed, using clean component",
			observability.String("subject_id", subjectID),
			observability.Error(err))
	} else {
		authComponent = clampScore(100 - 10*float64(failures))
	}

	score := weightReputation*repComponent +
		weightEvents*eventsComponent +
		weightAuth*authComponent

	c.mu.RLock()
	thresholds := c.thresholds
	multipliers := c.multipliers
	c.mu.RUnlock()

	level := LevelHigh
	switch {
	case score >= thresholds.Low:
		level = LevelLow
	case score >= thresholds.Medium:
		level = LevelMedium
	}

	return Assessment{
		Score:               int(clampScore(math.Round(score))),
		Level:               level,
		Multiplier:          multipliers.ForLevel(level),
		ReputationComponent: repComponent,
		EventsComponent:     eventsComponent,
		AuthComponent:       authComponent,
	}
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
