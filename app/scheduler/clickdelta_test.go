package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateClickDelta(t *testing.T) {
	tests := []struct {
		name        string
		lastClicks  int64
		todayClicks int64
		expected    ClickDecision
	}{
		{
			name:        "no new clicks",
			lastClicks:  10,
			todayClicks: 10,
			expected:    ClickDecision{SkipReason: SkipReasonNoNewClicks},
		},
		{
			name:        "both zero",
			lastClicks:  0,
			todayClicks: 0,
			expected:    ClickDecision{SkipReason: SkipReasonNoNewClicks},
		},
		{
			name:        "new clicks",
			lastClicks:  10,
			todayClicks: 17,
			expected:    ClickDecision{Proceed: true, Delta: 7},
		},
		{
			name:        "first ever clicks",
			lastClicks:  0,
			todayClicks: 3,
			expected:    ClickDecision{Proceed: true, Delta: 3},
		},
		{
			name:        "cross-day reset proceeds with full count",
			lastClicks:  50,
			todayClicks: 10,
			expected:    ClickDecision{Proceed: true, CrossDayReset: true, Delta: 10},
		},
		{
			name:        "cross-day reset to zero skips",
			lastClicks:  50,
			todayClicks: 0,
			expected:    ClickDecision{CrossDayReset: true, SkipReason: SkipReasonNoNewClicks},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, EvaluateClickDelta(tt.lastClicks, tt.todayClicks))
		})
	}
}
