package recommendation

import "time"

const (
	// FiveHourLookback and OneHourLookback are how far back each window
	// reaches from the candidate's timestamp. The "one hour" window is
	// ninety minutes wide.
	FiveHourLookback = 5 * time.Hour
	OneHourLookback  = 90 * time.Minute

	// ForwardSlack extends both windows past the candidate's timestamp to
	// absorb skew between submission and recording.
	ForwardSlack = 5 * time.Minute
)

// Window is a closed time interval [From, To].
type Window struct {
	From time.Time
	To   time.Time
}

// FiveHourWindow returns [ts-5h, ts+5m].
func FiveHourWindow(ts time.Time) Window {
	return Window{From: ts.Add(-FiveHourLookback), To: ts.Add(ForwardSlack)}
}

// OneHourWindow returns [ts-90m, ts+5m].
func OneHourWindow(ts time.Time) Window {
	return Window{From: ts.Add(-OneHourLookback), To: ts.Add(ForwardSlack)}
}

// Contains reports whether t lies inside w, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}
