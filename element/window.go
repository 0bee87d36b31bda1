package element

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const globalWindowName = "global"

// Window is the scope an element belongs to, its String form is used as the state namespace.
type Window interface {
	MaxTimestamp() Time
	String() string
}

type GlobalWindow struct{}

func (GlobalWindow) MaxTimestamp() Time { return EndOfGlobalWindow }

func (GlobalWindow) String() string { return globalWindowName }

// IntervalWindow covers [Start, End).
type IntervalWindow struct {
	Start Time
	End   Time
}

func (w IntervalWindow) MaxTimestamp() Time { return w.End - 1 }

func (w IntervalWindow) String() string {
	return fmt.Sprintf("[%d,%d)", w.Start, w.End)
}

// ParseWindow is the inverse of Window.String.
func ParseWindow(s string) (Window, error) {
	if s == globalWindowName {
		return GlobalWindow{}, nil
	}
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, ")") {
		return nil, errors.Errorf("malformed window %q", s)
	}
	bounds := strings.Split(s[1:len(s)-1], ",")
	if len(bounds) != 2 {
		return nil, errors.Errorf("malformed window %q", s)
	}
	start, err := strconv.ParseInt(bounds[0], 10, 64)
	if err != nil {
		return nil, errors.WithMessagef(err, "malformed window start %q", s)
	}
	end, err := strconv.ParseInt(bounds[1], 10, 64)
	if err != nil {
		return nil, errors.WithMessagef(err, "malformed window end %q", s)
	}
	return IntervalWindow{Start: Time(start), End: Time(end)}, nil
}
