package engine

import "sync"

// CycleDetector tracks triggered commands per correlation to stop policy
// loops.
//
// A cycle is the same (command, payload hash) triggered twice within one
// correlation:
//
//	AddCarToFleet → CarAdded → policy triggers RegisterCar{id: 1}
//	→ CarRegistered → policy triggers RegisterCar{id: 1} ← CYCLE DETECTED
//
// A different payload is not a cycle; runaway cascades of distinct commands
// are caught by the QuotaEnforcer instead.
type CycleDetector struct {
	mu      sync.Mutex
	history map[string]map[string]bool // map[correlation]map[cycle_key]bool
}

// NewCycleDetector creates a new cycle detector.
func NewCycleDetector() *CycleDetector {
	return &CycleDetector{
		history: make(map[string]map[string]bool),
	}
}

// WouldCycle reports whether (command, payloadHash) already fired in the
// correlation.
func (c *CycleDetector) WouldCycle(correlation, command, payloadHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.history[correlation] == nil {
		return false
	}
	return c.history[correlation][command+":"+payloadHash]
}

// Record marks (command, payloadHash) as fired in the correlation.
func (c *CycleDetector) Record(correlation, command, payloadHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.history[correlation] == nil {
		c.history[correlation] = make(map[string]bool)
	}
	c.history[correlation][command+":"+payloadHash] = true
}

// Clear removes all history for a correlation.
func (c *CycleDetector) Clear(correlation string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.history, correlation)
}

// HistorySize returns the number of correlations with tracked history.
func (c *CycleDetector) HistorySize() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.history)
}

// CorrelationHistorySize returns the number of pairs tracked for a correlation.
func (c *CycleDetector) CorrelationHistorySize(correlation string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.history[correlation])
}
