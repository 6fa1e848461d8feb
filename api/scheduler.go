/*
scheduler.go - Stale production run monitor

PURPOSE:
  Two-phase runs stay in progress until someone weighs the output and calls
  CompleteRun. A forgotten run keeps its materials consumed with no output
  on the books. The monitor periodically lists open runs and flags the ones
  older than StaleAfter.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Lists open runs of every store
  - Logs each stale run once per check (warn) and publishes open/stale
    counts to a RunGauge (Prometheus in production)
  - Never completes or cancels a run; that stays an operator decision

CONFIGURATION:
  - CheckInterval: How often to check (default: 10 minutes)
  - StaleAfter:    Age at which an open run is flagged (default: 24 hours)
  - Enabled:       Whether the monitor is active (default: true)

USAGE:
  monitor := NewStaleRunMonitor(store, gauge, log)
  monitor.Start()
  // ... later
  monitor.Stop()

SEE ALSO:
  - handlers.go: ListOpenRuns, CompleteRun
  - metrics/metrics.go: SetOpenRuns
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/stockroom/production"
)

// OpenRunLister lists the in-progress runs of every store.
type OpenRunLister interface {
	AllOpenRuns(ctx context.Context) ([]production.Run, error)
}

// RunGauge receives the counts of each check.
type RunGauge interface {
	SetOpenRuns(open, stale int)
}

// StaleRunReport is the result of one check.
type StaleRunReport struct {
	CheckedAt time.Time
	Open      int
	Stale     []production.Run
}

// StaleRunMonitor periodically flags production runs left open too long.
type StaleRunMonitor struct {
	Runs          OpenRunLister
	Gauge         RunGauge
	CheckInterval time.Duration
	StaleAfter    time.Duration
	Enabled       bool

	log    logrus.FieldLogger
	now    func() time.Time
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   StaleRunReport
}

// NewStaleRunMonitor creates a monitor. gauge may be nil.
func NewStaleRunMonitor(runs OpenRunLister, gauge RunGauge, log logrus.FieldLogger) *StaleRunMonitor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StaleRunMonitor{
		Runs:          runs,
		Gauge:         gauge,
		CheckInterval: 10 * time.Minute,
		StaleAfter:    24 * time.Hour,
		Enabled:       true,
		log:           log.WithField("component", "stale-run-monitor"),
		now:           time.Now,
	}
}

// Start begins the monitor.
func (m *StaleRunMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Enabled {
		m.log.Info("disabled, not starting")
		return
	}
	if m.ticker != nil {
		return
	}

	m.ticker = time.NewTicker(m.CheckInterval)
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.run(m.ticker, m.stop)

	m.log.WithFields(logrus.Fields{
		"interval":    m.CheckInterval.String(),
		"stale_after": m.StaleAfter.String(),
	}).Info("started")
}

// Stop stops the monitor and waits for an in-flight check.
func (m *StaleRunMonitor) Stop() {
	m.mu.Lock()
	if m.ticker == nil {
		m.mu.Unlock()
		return
	}
	m.ticker.Stop()
	close(m.stop)
	m.ticker = nil
	m.mu.Unlock()

	m.wg.Wait()
	m.log.Info("stopped")
}

func (m *StaleRunMonitor) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer m.wg.Done()

	// Check immediately on start
	m.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			m.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one check and returns its report.
func (m *StaleRunMonitor) RunNow(ctx context.Context) (StaleRunReport, error) {
	now := m.now()
	runs, err := m.Runs.AllOpenRuns(ctx)
	if err != nil {
		m.log.WithError(err).Error("failed to list open runs")
		return StaleRunReport{}, err
	}

	report := StaleRunReport{CheckedAt: now, Open: len(runs)}
	cutoff := now.Add(-m.StaleAfter)
	for _, run := range runs {
		if !run.StartedAt.Before(cutoff) {
			continue
		}
		report.Stale = append(report.Stale, run)
		m.log.WithFields(logrus.Fields{
			"batch":    run.BatchID,
			"store":    run.Store,
			"formula":  run.FormulaCode,
			"operator": run.Operator,
			"age":      now.Sub(run.StartedAt).Round(time.Minute).String(),
		}).Warn("production run still open")
	}

	if m.Gauge != nil {
		m.Gauge.SetOpenRuns(report.Open, len(report.Stale))
	}
	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	return report, nil
}

// LastReport returns the result of the most recent check.
func (m *StaleRunMonitor) LastReport() StaleRunReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
