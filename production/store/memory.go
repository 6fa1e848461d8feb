// Package store provides in-memory formula and run storage.
package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/warp/stockroom/production"
)

// Memory implements production.Formulas and production.RunStore.
type Memory struct {
	mu       sync.RWMutex
	formulas map[string]production.Formula
	runs     map[string]production.Run
}

var (
	_ production.Formulas = (*Memory)(nil)
	_ production.RunStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		formulas: make(map[string]production.Formula),
		runs:     make(map[string]production.Run),
	}
}

// =============================================================================
// FORMULAS
// =============================================================================

// SaveFormula validates and stores f, replacing any formula with the same code.
func (m *Memory) SaveFormula(f production.Formula) error {
	if err := f.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.formulas[f.Code] = f
	return nil
}

func (m *Memory) Formula(_ context.Context, code string) (production.Formula, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.formulas[code]
	if !ok {
		return production.Formula{}, fmt.Errorf("%w: %s", production.ErrFormulaNotFound, code)
	}
	return f, nil
}

// =============================================================================
// RUNS
// =============================================================================

func (m *Memory) CreateRun(_ context.Context, run production.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.BatchID]; exists {
		return fmt.Errorf("%w: %s", production.ErrDuplicateBatch, run.BatchID)
	}
	run.PrimaryInputs = maps.Clone(run.PrimaryInputs)
	run.Additives = maps.Clone(run.Additives)
	m.runs[run.BatchID] = run
	return nil
}

func (m *Memory) GetRun(_ context.Context, batchID string) (production.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[batchID]
	if !ok {
		return production.Run{}, fmt.Errorf("%w: %s", production.ErrRunNotFound, batchID)
	}
	return run, nil
}

func (m *Memory) FinishRun(_ context.Context, batchID string, result production.RunResult) (production.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[batchID]
	if !ok {
		return production.Run{}, fmt.Errorf("%w: %s", production.ErrRunNotFound, batchID)
	}
	if !run.IsOpen() {
		return production.Run{}, fmt.Errorf("%w: %s", production.ErrRunAlreadyFinished, batchID)
	}
	finishedAt := result.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now().UTC()
	}
	run.Status = production.StatusFinished
	run.OutputQty = result.OutputQty
	run.DerivedUnits = result.DerivedUnits
	run.UnitCost = result.UnitCost
	run.MaterialCost = result.MaterialCost
	run.FinishedAt = &finishedAt
	m.runs[batchID] = run
	return run, nil
}

func (m *Memory) OpenRuns(_ context.Context, store string) ([]production.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []production.Run
	for _, run := range m.runs {
		if run.Store == store && run.IsOpen() {
			result = append(result, run)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.Before(result[j].StartedAt)
		}
		return result[i].BatchID < result[j].BatchID
	})
	return result, nil
}
