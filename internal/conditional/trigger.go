package conditional

import (
	"time"

	"github.com/nathan-osman/go-sunrise"

	"github.com/sweeney/envctl/internal/config"
)

// maxSunSearch bounds the day-by-day search for the next sun event; polar
// day and night have none.
const maxSunSearch = 366

func atTimeOfDay(day time.Time, tod time.Duration) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, day.Location()).Add(tod)
}

// nextDaily returns the first occurrence of tod strictly after now.
func nextDaily(tod time.Duration, now time.Time) time.Time {
	next := atTimeOfDay(now, tod)
	for !next.After(now) {
		next = atTimeOfDay(next.AddDate(0, 0, 1), tod)
	}
	return next
}

// nextSun returns the next sunrise or sunset (plus offset) strictly after
// now, or the zero time if none occurs within a year.
func nextSun(s *config.SunTrigger, now time.Time) time.Time {
	day := now.UTC()
	for i := 0; i < maxSunSearch; i++ {
		y, m, d := day.AddDate(0, 0, i).Date()
		rise, set := sunrise.SunriseSunset(s.Latitude, s.Longitude, y, m, d)
		ev := rise
		if s.Event == "sunset" {
			ev = set
		}
		if ev.IsZero() {
			continue
		}
		if ev = ev.Add(s.Offset.D()); ev.After(now) {
			return ev.In(now.Location())
		}
	}
	return time.Time{}
}

// nextTimer returns the next tick of an every-d timer after now. ticks are
// anchored at the start_at time of day when set, otherwise at anchor.
func nextTimer(t *config.TimerTrigger, anchor, now time.Time) time.Time {
	every := t.Every.D()
	if t.StartAt != "" {
		if tod, err := config.ParseTimeOfDay(t.StartAt); err == nil {
			anchor = atTimeOfDay(now, tod)
		}
	}
	if anchor.After(now) {
		// Step back to the last tick at or before now.
		n := anchor.Sub(now)/every + 1
		anchor = anchor.Add(-n * every)
	}
	n := now.Sub(anchor)/every + 1
	return anchor.Add(n * every)
}

// inSpan reports whether now's time of day lies in [start, end). A span
// with start after end wraps past midnight.
func inSpan(s *config.SpanTrigger, now time.Time) bool {
	start, err1 := config.ParseTimeOfDay(s.Start)
	end, err2 := config.ParseTimeOfDay(s.End)
	if err1 != nil || err2 != nil {
		return false
	}
	tod := now.Sub(atTimeOfDay(now, 0))
	if start <= end {
		return tod >= start && tod < end
	}
	return tod >= start || tod < end
}

// nextScheduled computes the next firing time for scheduled triggers. It is
// always strictly after now.
func nextScheduled(p *config.ConditionalParams, anchor, now time.Time) time.Time {
	switch p.Trigger {
	case config.TriggerDaily:
		tod, err := config.ParseTimeOfDay(p.Daily.At)
		if err != nil {
			return time.Time{}
		}
		return nextDaily(tod, now)
	case config.TriggerSun:
		return nextSun(p.Sun, now)
	case config.TriggerTimer:
		return nextTimer(p.Timer, anchor, now)
	}
	return time.Time{}
}
