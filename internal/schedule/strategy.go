package schedule

import (
	"fmt"
	"time"
)

type StrategyKind uint8

const (
	KindImmediate StrategyKind = iota
	KindNextBestTime
	KindWithinWindow
	KindDeferred
	KindExplicit
)

var kindNames = [...]string{
	KindImmediate:    "immediate",
	KindNextBestTime: "next_best_time",
	KindWithinWindow: "within_window",
	KindDeferred:     "deferred",
	KindExplicit:     "explicit",
}

func (k StrategyKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k StrategyKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *StrategyKind) UnmarshalText(b []byte) error {
	for i, n := range kindNames {
		if n == string(b) {
			*k = StrategyKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown strategy kind %q", string(b))
}

// Strategy is a tagged variant. Only the fields of its Kind are meaningful:
//
//	NextBestTime  HorizonHours
//	WithinWindow  Start, Duration
//	Deferred      Delay
//	Explicit      At
type Strategy struct {
	Kind         StrategyKind  `json:"kind"`
	HorizonHours int           `json:"horizon_hours,omitempty"`
	Start        time.Time     `json:"start,omitzero"`
	Duration     time.Duration `json:"duration,omitempty"`
	Delay        time.Duration `json:"delay,omitempty"`
	At           time.Time     `json:"at,omitzero"`
}

func Immediate() Strategy { return Strategy{Kind: KindImmediate} }

func NextBestTime(horizonHours int) Strategy {
	return Strategy{Kind: KindNextBestTime, HorizonHours: horizonHours}
}

func WithinWindow(start time.Time, d time.Duration) Strategy {
	return Strategy{Kind: KindWithinWindow, Start: start, Duration: d}
}

func Deferred(d time.Duration) Strategy { return Strategy{Kind: KindDeferred, Delay: d} }

func Explicit(at time.Time) Strategy { return Strategy{Kind: KindExplicit, At: at} }

// StrategyFor is the priority → strategy mapping. It is total: an
// out-of-range priority is treated as Normal.
func StrategyFor(p Priority, now time.Time) Strategy {
	switch p {
	case Critical:
		return Immediate()
	case High:
		return WithinWindow(now, 4*time.Hour)
	case Low:
		return WithinWindow(now.Add(2*time.Hour), 4*time.Hour)
	case Minimal:
		return Deferred(6 * time.Hour)
	default:
		return NextBestTime(24)
	}
}

func (s Strategy) String() string {
	switch s.Kind {
	case KindNextBestTime:
		return fmt.Sprintf("next_best_time(%dh)", s.HorizonHours)
	case KindWithinWindow:
		return fmt.Sprintf("within_window(%s, %s)", s.Start.Format(time.RFC3339), s.Duration)
	case KindDeferred:
		return fmt.Sprintf("deferred(%s)", s.Delay)
	case KindExplicit:
		return fmt.Sprintf("explicit(%s)", s.At.Format(time.RFC3339))
	default:
		return s.Kind.String()
	}
}
