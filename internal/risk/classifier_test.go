package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/agentgate/internal/reputation"
	"github.com/relaymesh/agentgate/internal/storage"
)

type fakeSnapshots struct {
	score int
	err   error
}

func (f *fakeSnapshots) Insert(context.Context, *reputation.Snapshot) error { return nil }

func (f *fakeSnapshots) Latest(context.Context, string, string) (*reputation.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &reputation.Snapshot{Score: f.score}, nil
}

func (f *fakeSnapshots) LatestForWindow(context.Context, string, string, reputation.Window) (*reputation.Snapshot, error) {
	return f.Latest(nil, "", "")
}

type fakeEvents struct {
	penalty  float64
	failures int64
	appended []*Event
}

func (f *fakeEvents) Append(_ context.Context, ev *Event) error {
	f.appended = append(f.appended, ev)
	return nil
}

func (f *fakeEvents) WeightedPenalty(context.Context, string, string, time.Time) (float64, error) {
	return f.penalty, nil
}

func (f *fakeEvents) AuthFailures(context.Context, string, string, time.Time) (int64, error) {
	return f.failures, nil
}

func (f *fakeEvents) HygieneStats(context.Context, string, string, time.Time) (reputation.HygieneStats, error) {
	return reputation.HygieneStats{}, nil
}

func TestClassifyThresholdsMonotonic(t *testing.T) {
	tests := []struct {
		name      string
		snapshots *fakeSnapshots
		events    *fakeEvents
		wantScore int
		wantLevel Level
	}{
		// .60*rep + .25*(100-penalty) + .15*(100-10*failures)
		{"exactly seventy is low", &fakeSnapshots{score: 50}, &fakeEvents{}, 70, LevelLow},
		{"sixty nine is medium", &fakeSnapshots{score: 48}, &fakeEvents{}, 69, LevelMedium},
		{"exactly forty is medium", &fakeSnapshots{score: 0}, &fakeEvents{}, 40, LevelMedium},
		{"thirty nine is high", &fakeSnapshots{score: 0}, &fakeEvents{failures: 1}, 39, LevelHigh},
		{"perfect subject is low", &fakeSnapshots{score: 100}, &fakeEvents{}, 100, LevelLow},
		{"everything wrong is high", &fakeSnapshots{score: 0}, &fakeEvents{penalty: 100, failures: 10}, 0, LevelHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(tt.snapshots, tt.events)
			a := c.Classify(context.Background(), "org", "org-1")
			assert.Equal(t, tt.wantScore, a.Score)
			assert.Equal(t, tt.wantLevel, a.Level)
		})
	}
}

func TestClassifyNoSnapshotUsesNeutral(t *testing.T) {
	c := NewClassifier(&fakeSnapshots{err: reputation.ErrNoSnapshot}, &fakeEvents{})
	a := c.Classify(context.Background(), "org", "org-1")
	assert.InDelta(t, 50.0, a.ReputationComponent, 1e-9)
	// .60*50 + 25 + 15 = 70.
	assert.Equal(t, 70, a.Score)
	assert.Equal(t, LevelLow, a.Level)
}

func TestClassifyMultipliers(t *testing.T) {
	tests := []struct {
		level Level
		want  float64
	}{
		{LevelLow, 1.2},
		{LevelMedium, 1.0},
		{LevelHigh, 0.5},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, DefaultMultipliers.ForLevel(tt.level), 1e-9)
	}
}

func TestClassifierSetThresholds(t *testing.T) {
	c := NewClassifier(&fakeSnapshots{score: 50}, &fakeEvents{})

	// score 70: low by default, medium after tightening.
	a := c.Classify(context.Background(), "org", "org-1")
	require.Equal(t, LevelLow, a.Level)

	c.SetThresholds(Thresholds{Low: 80, Medium: 40})
	a = c.Classify(context.Background(), "org", "org-1")
	assert.Equal(t, LevelMedium, a.Level)

	// An inverted update is ignored.
	c.SetThresholds(Thresholds{Low: 30, Medium: 40})
	a = c.Classify(context.Background(), "org", "org-1")
	assert.Equal(t, LevelMedium, a.Level)
}

func TestAssessmentBucketedScore(t *testing.T) {
	assert.Equal(t, 70, Assessment{Score: 70}.BucketedScore())
	assert.Equal(t, 70, Assessment{Score: 66}.BucketedScore())
	assert.Equal(t, 60, Assessment{Score: 64}.BucketedScore())
	assert.Equal(t, 0, Assessment{Score: 4}.BucketedScore())
}

func TestSeverityPenalty(t *testing.T) {
	assert.InDelta(t, 20.0, SeverityHigh.Penalty(), 1e-9)
	assert.InDelta(t, 10.0, SeverityMedium.Penalty(), 1e-9)
	assert.InDelta(t, 5.0, SeverityLow.Penalty(), 1e-9)
	assert.InDelta(t, 0.0, Severity("bogus").Penalty(), 1e-9)
}

func newTestEventStore(t *testing.T) EventStore {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewEventStore(db)
}

func TestEventStoreWeightedPenalty(t *testing.T) {
	store := newTestEventStore(t)
	ctx := context.Background()
	since := time.Now().Add(-7 * 24 * time.Hour)

	for _, sev := range []Severity{SeverityHigh, SeverityMedium, SeverityLow} {
		require.NoError(t, store.Append(ctx, &Event{
			OrgID: "org-1", EventType: "anomaly", Severity: sev,
		}))
	}

	penalty, err := store.WeightedPenalty(ctx, "org", "org-1", since)
	require.NoError(t, err)
	assert.InDelta(t, 35.0, penalty, 1e-9)

	// Another org's events do not leak.
	penalty, err = store.WeightedPenalty(ctx, "org", "org-2", since)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, penalty, 1e-9)
}

func TestEventStorePenaltyCapsAtHundred(t *testing.T) {
	store := newTestEventStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Append(ctx, &Event{
			OrgID: "org-1", EventType: "anomaly", Severity: SeverityHigh,
		}))
	}
	penalty, err := store.WeightedPenalty(ctx, "org", "org-1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 100.0, penalty, 1e-9)
}

func TestEventStoreWindowing(t *testing.T) {
	store := newTestEventStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Append(ctx, &Event{
		OrgID: "org-1", EventType: EventAuthFailure, Severity: SeverityLow,
		CreatedAt: now.Add(-8 * 24 * time.Hour),
	}))
	require.NoError(t, store.Append(ctx, &Event{
		OrgID: "org-1", EventType: EventAuthFailure, Severity: SeverityLow,
		CreatedAt: now.Add(-time.Hour),
	}))

	count, err := store.AuthFailures(ctx, "org", "org-1", now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestEventStoreAgentScoping(t *testing.T) {
	store := newTestEventStore(t)
	ctx := context.Background()
	since := time.Now().Add(-time.Hour)

	require.NoError(t, store.Append(ctx, &Event{
		OrgID: "org-1", ActorID: "agent-7", EventType: EventAuthFailure, Severity: SeverityLow,
	}))
	require.NoError(t, store.Append(ctx, &Event{
		OrgID: "org-1", EventType: EventAuthFailure, Severity: SeverityLow,
	}))

	// The agent sees only its own event; the org sees both.
	agentCount, err := store.AuthFailures(ctx, "agent", "agent-7", since)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agentCount)

	orgCount, err := store.AuthFailures(ctx, "org", "org-1", since)
	require.NoError(t, err)
	assert.Equal(t, int64(2), orgCount)
}

func TestEventStoreHygieneStats(t *testing.T) {
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := NewEventStore(db).(*sqlEventStore)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, &Event{
		OrgID: "org-1", EventType: EventAuthFailure, Severity: SeverityLow,
	}))
	require.NoError(t, store.Append(ctx, &Event{
		OrgID: "org-1", EventType: EventRateLimitSpike, Severity: SeverityMedium,
	}))

	stats, err := store.HygieneStats(ctx, "org", "org-1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.AuthFailures)
	assert.Equal(t, int64(1), stats.RateLimitSpikes)
}
