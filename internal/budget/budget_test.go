package budget

import "testing"

func TestTrackerSpendsUpToBudget(t *testing.T) {
	tracker := NewTracker(2)

	if !tracker.SpendToolCall() {
		t.Fatal("first spend should succeed")
	}
	if !tracker.SpendToolCall() {
		t.Fatal("second spend should succeed")
	}
	if tracker.SpendToolCall() {
		t.Error("spend beyond the budget should fail")
	}
	if tracker.Used() != 2 {
		t.Errorf("Used() = %d, want 2", tracker.Used())
	}
	if tracker.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", tracker.Remaining())
	}
}

func TestTrackerZeroBudget(t *testing.T) {
	tracker := NewTracker(0)
	if tracker.SpendToolCall() {
		t.Error("zero budget should never allow a spend")
	}

	negative := NewTracker(-5)
	if negative.SpendToolCall() {
		t.Error("negative budget should behave as zero")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"12345678", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.input); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}
