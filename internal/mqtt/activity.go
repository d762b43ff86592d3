package mqtt

import (
	"sync"
	"time"
)

// Activity counts answers since local midnight. It is safe for
// concurrent use by the channel workers.
type Activity struct {
	mu       sync.Mutex
	chat     int64
	mail     int64
	tokens   int64
	last     time.Time
	resetDay int
	loc      *time.Location
	now      func() time.Time
}

// ActivitySnapshot is a copy of the counters.
type ActivitySnapshot struct {
	Chat   int64
	Mail   int64
	Tokens int64
	// Last is the time of the most recent answer on any channel; it is
	// not reset at midnight.
	Last time.Time
}

// NewActivity uses loc for midnight detection; nil means [time.Local].
func NewActivity(loc *time.Location) *Activity {
	if loc == nil {
		loc = time.Local
	}
	a := &Activity{loc: loc, now: time.Now}
	a.resetDay = a.now().In(loc).YearDay()
	return a
}

// OnAnswer records one generated answer.
func (a *Activity) OnAnswer(channel string, outputTokens int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.maybeReset()
	switch channel {
	case "telegram":
		a.chat++
	case "email":
		a.mail++
	}
	a.tokens += int64(outputTokens)
	a.last = a.now()
}

// Snapshot returns the counters after checking for midnight rollover.
func (a *Activity) Snapshot() ActivitySnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.maybeReset()
	return ActivitySnapshot{Chat: a.chat, Mail: a.mail, Tokens: a.tokens, Last: a.last}
}

// maybeReset must be called with a.mu held.
func (a *Activity) maybeReset() {
	if today := a.now().In(a.loc).YearDay(); today != a.resetDay {
		a.chat, a.mail, a.tokens = 0, 0, 0
		a.resetDay = today
	}
}
