package thread

import (
	"fmt"
	"time"

	"bazaar/cmd/internal/messaging"
)

// DateGroup is one calendar day of a thread, in the viewer's location.
type DateGroup struct {
	Date     time.Time
	Label    string
	Messages []messaging.Message
}

// DateLabel formats a section header like "Monday, Jan 2".
func DateLabel(t time.Time) string {
	return t.Format("Monday, Jan 2")
}

// GroupByDate splits an ordered thread into calendar days in loc (nil means UTC).
func GroupByDate(list []messaging.Message, loc *time.Location) []DateGroup {
	if loc == nil {
		loc = time.UTC
	}

	var out []DateGroup
	for _, m := range list {
		local := m.CreatedAt.In(loc)
		y, mo, d := local.Date()
		day := time.Date(y, mo, d, 0, 0, 0, 0, loc)

		if n := len(out); n > 0 && out[n-1].Date.Equal(day) {
			out[n-1].Messages = append(out[n-1].Messages, m)
			continue
		}
		out = append(out, DateGroup{
			Date:     day,
			Label:    DateLabel(day),
			Messages: []messaging.Message{m},
		})
	}
	return out
}

// RelativeLabel is the compact age shown in inbox rows: "Now", "5m", "3h", "2d", else "Jan 2".
func RelativeLabel(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "Now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	default:
		return t.Format("Jan 2")
	}
}
