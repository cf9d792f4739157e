package engine

// QuotaEnforcer counts the commands of one correlation against max_cascade.
//
// It catches linear explosions (A → B → C → ... → Z) where every command is
// distinct, complementing cycle detection. It is not safe for concurrent use;
// the cascade guard serializes access.
type QuotaEnforcer struct {
	maxSteps int
	current  int
}

// NewQuotaEnforcer creates a quota enforcer with the given limit.
func NewQuotaEnforcer(maxSteps int) *QuotaEnforcer {
	return &QuotaEnforcer{maxSteps: maxSteps}
}

// Check increments the step counter and returns a quota error once the limit
// is exceeded. A non-positive limit disables the quota.
func (q *QuotaEnforcer) Check(correlation, command string) error {
	q.current++
	if q.maxSteps > 0 && q.current > q.maxSteps {
		return NewQuotaError(correlation, command, q.current, q.maxSteps)
	}
	return nil
}

// Reset resets the step counter to 0.
func (q *QuotaEnforcer) Reset() {
	q.current = 0
}

// Current returns the current step count.
func (q *QuotaEnforcer) Current() int {
	return q.current
}

// MaxSteps returns the limit.
func (q *QuotaEnforcer) MaxSteps() int {
	return q.maxSteps
}
