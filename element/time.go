package element

import (
	"math"
	"strconv"
	"time"
)

// Time is an event-time or processing-time instant in milliseconds since the unix epoch.
type Time int64

const (
	MinTimestamp Time = math.MinInt64 / 1000
	// MaxTimestamp is the terminal instant, no watermark ever advances past it.
	MaxTimestamp Time = math.MaxInt64 / 1000
	// EndOfGlobalWindow is the max timestamp of the GlobalWindow.
	EndOfGlobalWindow = MaxTimestamp - Time(24*time.Hour/time.Millisecond)
)

func FromTime(t time.Time) Time {
	return Time(t.UnixMilli())
}

func (t Time) IsTerminal() bool {
	return t >= MaxTimestamp
}

func (t Time) AsTime() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

func (t Time) String() string {
	switch {
	case t >= MaxTimestamp:
		return "+inf"
	case t <= MinTimestamp:
		return "-inf"
	default:
		return strconv.FormatInt(int64(t), 10)
	}
}

func Min(a, b Time) Time {
	if a < b {
		return a
	}
	return b
}

func Max(a, b Time) Time {
	if a > b {
		return a
	}
	return b
}
