package watch

import (
	"strings"
	"time"
)

// Ticker advances on every scheduler.tick event. When ticks stop arriving
// the frame freezes and Stalled reports true.
type Ticker struct {
	frames   []string
	index    int
	lastTick time.Time
}

func NewTicker() Ticker {
	return Ticker{
		frames: []string{"⟲", "⟳"},
	}
}

func (t *Ticker) Tick(at time.Time) {
	t.index = (t.index + 1) % len(t.frames)
	t.lastTick = at
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

// Stalled reports whether no tick has been seen within window of now.
func (t Ticker) Stalled(now time.Time, window time.Duration) bool {
	return t.lastTick.IsZero() || now.Sub(t.lastTick) > window
}

// Activity lights up on non-tick events and fades one dot every two seconds.
type Activity struct {
	dots      int
	lastEvent time.Time
}

const activityDots = 5

func (a *Activity) OnEvent(at time.Time) {
	a.dots = activityDots
	a.lastEvent = at
}

func (a *Activity) Decay(now time.Time) {
	if a.dots == 0 {
		return
	}
	a.dots = max(0, activityDots-int(now.Sub(a.lastEvent)/(2*time.Second)))
}

func (a Activity) Render(theme Theme) string {
	var b strings.Builder
	for i := range activityDots {
		if i < a.dots {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}

func (a Activity) LastEvent() time.Time {
	return a.lastEvent
}
