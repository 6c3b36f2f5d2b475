package pid

import (
	"sort"
	"time"

	"github.com/sweeney/envctl/internal/config"
	"github.com/sweeney/envctl/internal/mathx"
)

// MethodState is the lifecycle of a setpoint schedule.
type MethodState string

const (
	MethodReady   MethodState = "ready"
	MethodRunning MethodState = "running"
	MethodEnded   MethodState = "ended"
)

// MethodLength is the total run time of a duration method, or zero for
// methods that never end.
func MethodLength(m *config.Method) time.Duration {
	if m == nil || m.Type != config.MethodDuration {
		return 0
	}
	var total time.Duration
	for _, s := range m.Steps {
		total += s.Duration.D()
	}
	return total
}

// SetpointAt evaluates m at now for a run that started at start. ended is
// true once a duration method has run past its last step; the returned
// setpoint is then the final step's end value.
func SetpointAt(m *config.Method, start, now time.Time) (setpoint float64, ended bool) {
	switch m.Type {
	case config.MethodDaily:
		return dailySetpoint(m, now), false
	default:
		return durationSetpoint(m, now.Sub(start))
	}
}

func durationSetpoint(m *config.Method, offset time.Duration) (float64, bool) {
	if len(m.Steps) == 0 {
		return 0, true
	}
	if offset < 0 {
		return m.Steps[0].Start, false
	}
	var stepStart time.Duration
	for _, s := range m.Steps {
		d := s.Duration.D()
		if offset < stepStart+d {
			frac := float64(offset-stepStart) / float64(d)
			return mathx.Lerp(s.Start, s.End, frac), false
		}
		stepStart += d
	}
	return m.Steps[len(m.Steps)-1].End, true
}

type dailyPoint struct {
	at       time.Duration
	setpoint float64
}

// dailySetpoint interpolates linearly between time-of-day points, wrapping
// from the last point of one day to the first of the next.
func dailySetpoint(m *config.Method, now time.Time) float64 {
	points := make([]dailyPoint, 0, len(m.Steps))
	for _, s := range m.Steps {
		at, err := config.ParseTimeOfDay(s.At)
		if err != nil {
			continue
		}
		points = append(points, dailyPoint{at, s.Setpoint})
	}
	if len(points) == 0 {
		return 0
	}
	sort.Slice(points, func(i, j int) bool { return points[i].at < points[j].at })
	if len(points) == 1 {
		return points[0].setpoint
	}

	y, mo, d := now.Date()
	tod := now.Sub(time.Date(y, mo, d, 0, 0, 0, 0, now.Location()))
	const day = 24 * time.Hour

	for i := 1; i < len(points); i++ {
		if tod < points[i].at && tod >= points[i-1].at {
			a, b := points[i-1], points[i]
			return mathx.Lerp(a.setpoint, b.setpoint, float64(tod-a.at)/float64(b.at-a.at))
		}
	}
	// Wrap segment: last point through midnight to the first point.
	last, first := points[len(points)-1], points[0]
	span := first.at + day - last.at
	since := tod - last.at
	if tod < first.at {
		since = tod + day - last.at
	}
	return mathx.Lerp(last.setpoint, first.setpoint, float64(since)/float64(span))
}
