package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stockroom/production"
)

type fakeRuns struct {
	runs []production.Run
	err  error
}

func (f fakeRuns) AllOpenRuns(context.Context) ([]production.Run, error) { return f.runs, f.err }

type fakeGauge struct {
	mu          sync.Mutex
	open, stale int
	calls       int
}

func (g *fakeGauge) SetOpenRuns(open, stale int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open, g.stale = open, stale
	g.calls++
}

func (g *fakeGauge) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestStaleRunMonitor_FlagsOldRuns(t *testing.T) {
	// GIVEN: three open runs, one started two days ago
	now := time.Date(2025, time.March, 12, 9, 0, 0, 0, time.UTC)
	runs := fakeRuns{runs: []production.Run{
		{BatchID: "OLD", Store: "216HS", FormulaCode: "CT_MUT_ND", StartedAt: now.Add(-48 * time.Hour), PostQty: decimal.NewFromInt(8)},
		{BatchID: "EDGE", Store: "216HS", FormulaCode: "CT_MUT_ND", StartedAt: now.Add(-24 * time.Hour)},
		{BatchID: "NEW", Store: "AEON", FormulaCode: "CT_MUT_ND", StartedAt: now.Add(-time.Hour)},
	}}
	log, hook := test.NewNullLogger()
	gauge := &fakeGauge{}
	m := NewStaleRunMonitor(runs, gauge, log)
	m.now = func() time.Time { return now }

	// WHEN
	report, err := m.RunNow(context.Background())

	// THEN: only the run past the limit is stale
	require.NoError(t, err)
	assert.Equal(t, 3, report.Open)
	require.Len(t, report.Stale, 1)
	assert.Equal(t, "OLD", report.Stale[0].BatchID)
	assert.Equal(t, 3, gauge.open)
	assert.Equal(t, 1, gauge.stale)
	assert.Equal(t, report, m.LastReport())

	require.Len(t, hook.AllEntries(), 1)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "OLD", entry.Data["batch"])
	assert.Equal(t, "48h0m0s", entry.Data["age"])
}

func TestStaleRunMonitor_ListError(t *testing.T) {
	log, hook := test.NewNullLogger()
	gauge := &fakeGauge{}
	m := NewStaleRunMonitor(fakeRuns{err: errors.New("db down")}, gauge, log)

	_, err := m.RunNow(context.Background())

	assert.Error(t, err)
	assert.Equal(t, 0, gauge.count())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestStaleRunMonitor_StartStop(t *testing.T) {
	gauge := &fakeGauge{}
	log, _ := test.NewNullLogger()
	m := NewStaleRunMonitor(fakeRuns{}, gauge, log)
	m.CheckInterval = 5 * time.Millisecond

	m.Start()
	m.Start() // second start is a no-op
	assert.Eventually(t, func() bool { return gauge.count() >= 2 }, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()

	calls := gauge.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, gauge.count())
}

func TestStaleRunMonitor_Disabled(t *testing.T) {
	gauge := &fakeGauge{}
	log, _ := test.NewNullLogger()
	m := NewStaleRunMonitor(fakeRuns{}, gauge, log)
	m.Enabled = false

	m.Start()
	m.Stop()
	assert.Equal(t, 0, gauge.count())
}

func TestStaleRunMonitor_OnSQLStore(t *testing.T) {
	s := setupTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.handler.LoadScenarioByID(ctx, "production-day"))

	gauge := &fakeGauge{}
	m := NewStaleRunMonitor(s.store, gauge, s.handler.log)
	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	report, err := m.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Open)
	require.Len(t, report.Stale, 1)
	assert.Equal(t, "CT_MUT_ND", report.Stale[0].FormulaCode)
}
