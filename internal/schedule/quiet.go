package schedule

import (
	"fmt"
	"time"
)

// QuietHours is a local-time window [Start, End) during which nothing is
// delivered. Times inside it move to Resume:00.
type QuietHours struct {
	Start  int  `json:"start"`
	End    int  `json:"end"`
	Resume int  `json:"resume"`
	Off    bool `json:"off,omitempty"`
}

var DefaultQuietHours = QuietHours{Start: 22, End: 8, Resume: 9}

// AdjustForQuietHours applies DefaultQuietHours.
func AdjustForQuietHours(t time.Time) time.Time { return DefaultQuietHours.Adjust(t) }

func (q QuietHours) Validate() error {
	for _, h := range []int{q.Start, q.End, q.Resume} {
		if h < 0 || h > 23 {
			return fmt.Errorf("quiet hours: hour %d out of range", h)
		}
	}
	if !q.Off && q.Contains(q.Resume) {
		return fmt.Errorf("quiet hours: resume hour %d is inside [%d,%d)", q.Resume, q.Start, q.End)
	}
	return nil
}

// Contains reports whether hour-of-day h is quiet. The window wraps past
// midnight when Start > End; Start == End means no quiet hours.
func (q QuietHours) Contains(h int) bool {
	switch {
	case q.Off || q.Start == q.End:
		return false
	case q.Start > q.End:
		return h >= q.Start || h < q.End
	default:
		return h >= q.Start && h < q.End
	}
}

// Adjust moves t to Resume:00 when it falls in quiet hours, using t's own
// location. A time in the evening part of a wrapping window resumes on the
// next calendar day.
func (q QuietHours) Adjust(t time.Time) time.Time {
	h := t.Hour()
	if !q.Contains(h) {
		return t
	}
	day := t.Day()
	if q.Start > q.End && h >= q.Start {
		day++
	}
	return time.Date(t.Year(), t.Month(), day, q.Resume, 0, 0, 0, t.Location())
}
