// Package budget tracks the bounded resources one engagement may
// consume: follow-up tool calls and prompt size.
package budget

// Tracker counts tool calls against a fixed budget. One tracker is
// created per engagement and threaded through the tool loop as an
// explicit counter, which guarantees the loop terminates.
type Tracker struct {
	maxToolCalls int
	used         int
}

// NewTracker creates a tracker allowing up to maxToolCalls calls.
func NewTracker(maxToolCalls int) *Tracker {
	if maxToolCalls < 0 {
		maxToolCalls = 0
	}
	return &Tracker{maxToolCalls: maxToolCalls}
}

// SpendToolCall consumes one unit of the budget. Returns false when the
// budget is exhausted; the caller must stop issuing tool calls.
func (t *Tracker) SpendToolCall() bool {
	if t.used >= t.maxToolCalls {
		return false
	}
	t.used++
	return true
}

// Remaining returns how many tool calls are left.
func (t *Tracker) Remaining() int {
	return t.maxToolCalls - t.used
}

// Used returns how many tool calls have been consumed.
func (t *Tracker) Used() int {
	return t.used
}

// EstimateTokens approximates the token count of a prompt as
// ceil(chars/4). Good enough for sizing and logging; the API does the
// real accounting.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}
