package element

// Tag names an output of a DoFn.
type Tag string

const MainTag Tag = "main"

type PaneTiming uint8

const (
	PaneUnknown PaneTiming = iota
	PaneEarly
	PaneOnTime
	PaneLate
)

// Pane describes which firing of a window an element belongs to.
type Pane struct {
	Index   int64
	IsFirst bool
	IsLast  bool
	Timing  PaneTiming
}

var NoFiringPane = Pane{IsFirst: true, IsLast: true, Timing: PaneUnknown}

// WindowedElement is a value with its key, timestamp, windows and pane.
// keep in mind that it is not thread-safe when you modify Value.
type WindowedElement struct {
	Key       string
	Value     any
	Timestamp Time
	Windows   []Window
	Pane      Pane
}

// Of builds an element in the given windows, the GlobalWindow when none is given.
func Of(key string, value any, timestamp Time, windows ...Window) WindowedElement {
	if len(windows) == 0 {
		windows = []Window{GlobalWindow{}}
	}
	return WindowedElement{
		Key:       key,
		Value:     value,
		Timestamp: timestamp,
		Windows:   append([]Window(nil), windows...),
		Pane:      NoFiringPane,
	}
}

// Explode returns one element per window.
func (e WindowedElement) Explode() []WindowedElement {
	if len(e.Windows) <= 1 {
		return []WindowedElement{e}
	}
	exploded := make([]WindowedElement, 0, len(e.Windows))
	for _, w := range e.Windows {
		exploded = append(exploded, e.InWindow(w))
	}
	return exploded
}

func (e WindowedElement) InWindow(w Window) WindowedElement {
	e.Windows = []Window{w}
	return e
}

func (e WindowedElement) WithValue(value any) WindowedElement {
	e.Value = value
	e.Windows = append([]Window(nil), e.Windows...)
	return e
}

func (e WindowedElement) WithTimestamp(timestamp Time) WindowedElement {
	e.Timestamp = timestamp
	e.Windows = append([]Window(nil), e.Windows...)
	return e
}

// Window returns the single window of an exploded element.
func (e WindowedElement) Window() Window {
	if len(e.Windows) == 0 {
		return GlobalWindow{}
	}
	return e.Windows[0]
}
