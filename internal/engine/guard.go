package engine

import (
	"sync"

	"github.com/roach88/rulebox/internal/canon"
)

// DefaultMaxCascade is the default number of commands one correlation may
// run.
const DefaultMaxCascade = 100

// maxTrackedCorrelations bounds guard memory; the oldest correlation is
// forgotten first.
const maxTrackedCorrelations = 4096

// cascadeGuard admits commands per correlation. It combines a QuotaEnforcer
// per correlation with a shared CycleDetector.
type cascadeGuard struct {
	mu       sync.Mutex
	maxSteps int
	quotas   map[string]*QuotaEnforcer
	order    []string
	cycles   *CycleDetector
}

func newCascadeGuard(maxSteps int) *cascadeGuard {
	return &cascadeGuard{
		maxSteps: maxSteps,
		quotas:   make(map[string]*QuotaEnforcer),
		cycles:   NewCycleDetector(),
	}
}

// admit records command with payload under correlation, or returns the
// RuntimeError that rejects it. An empty correlation is never guarded.
func (g *cascadeGuard) admit(correlation, command string, payload map[string]any) error {
	if correlation == "" {
		return nil
	}
	hash, err := canon.Checksum(payload)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cycles.WouldCycle(correlation, command, hash) {
		return NewCycleError(correlation, command, hash)
	}
	quota, ok := g.quotas[correlation]
	if !ok {
		quota = NewQuotaEnforcer(g.maxSteps)
		g.quotas[correlation] = quota
		g.order = append(g.order, correlation)
		g.evict()
	}
	if err := quota.Check(correlation, command); err != nil {
		return err
	}
	g.cycles.Record(correlation, command, hash)
	return nil
}

// forget drops all history of correlation.
func (g *cascadeGuard) forget(correlation string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.quotas, correlation)
	g.cycles.Clear(correlation)
	for i, c := range g.order {
		if c == correlation {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

func (g *cascadeGuard) evict() {
	for len(g.order) > maxTrackedCorrelations {
		oldest := g.order[0]
		g.order = g.order[1:]
		delete(g.quotas, oldest)
		g.cycles.Clear(oldest)
	}
}

// steps returns the admitted command count of correlation.
func (g *cascadeGuard) steps(correlation string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if q, ok := g.quotas[correlation]; ok {
		return q.Current()
	}
	return 0
}
