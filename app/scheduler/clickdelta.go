// Package scheduler contains the batch orchestrator, the schedule dispatcher
// and the queue worker that together drive link replacement runs.
package scheduler

// SkipReasonNoNewClicks is recorded on campaign outcomes that were skipped
// because the click counter did not move.
const SkipReasonNoNewClicks = "no-new-clicks"

// ClickDecision is the verdict of comparing the stored click counter against
// the platform's current one.
type ClickDecision struct {
	Proceed bool
	// CrossDayReset signals that the platform counter restarted (new day);
	// the caller must persist last_clicks=0 before acting on Delta.
	CrossDayReset bool
	Delta         int64
	SkipReason    string
}

// EvaluateClickDelta compares the persisted counter with the counter the ads
// platform reports now. The platform counter is a same-day running total, so
// a stored value above the current one can only mean the day rolled over; in
// that case the baseline resets to zero and the full current count is the
// delta.
func EvaluateClickDelta(lastClicks, todayClicks int64) ClickDecision {
	if lastClicks > todayClicks {
		d := EvaluateClickDelta(0, todayClicks)
		d.CrossDayReset = true
		return d
	}
	if todayClicks == lastClicks {
		return ClickDecision{SkipReason: SkipReasonNoNewClicks}
	}
	return ClickDecision{Proceed: true, Delta: todayClicks - lastClicks}
}
