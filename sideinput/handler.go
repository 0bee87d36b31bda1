package sideinput

import (
	"sort"

	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// View names a side input of the DoFn.
type View string

// WindowMappingFn maps a main-input window to the side-input window it reads.
type WindowMappingFn func(element.Window) element.Window

// Handler materialises side-input values per view and window.
type Handler interface {
	Views() []View
	// IsReady reports whether view holds data for the side-input window mapped from w.
	IsReady(view View, w element.Window) bool
	Get(view View, w element.Window) []any
	AddValue(view View, elem element.WindowedElement) error
	// Collect drops windows whose max timestamp is below watermark.
	Collect(watermark element.Time)
}

type viewState struct {
	mapping WindowMappingFn
	windows map[string]*windowValues
}

type windowValues struct {
	window element.Window
	values []any
}

// MemoryHandler keeps materialised side inputs on the heap.
type MemoryHandler struct {
	views map[View]*viewState
}

func identity(w element.Window) element.Window { return w }

func NewMemoryHandler(views ...View) *MemoryHandler {
	h := &MemoryHandler{views: map[View]*viewState{}}
	for _, view := range views {
		h.views[view] = &viewState{mapping: identity, windows: map[string]*windowValues{}}
	}
	return h
}

// WithWindowMapping overrides the identity mapping of view.
func (h *MemoryHandler) WithWindowMapping(view View, mapping WindowMappingFn) *MemoryHandler {
	if state, ok := h.views[view]; ok {
		state.mapping = mapping
	}
	return h
}

func (h *MemoryHandler) Views() []View {
	views := make([]View, 0, len(h.views))
	for view := range h.views {
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i] < views[j] })
	return views
}

func (h *MemoryHandler) lookup(view View, w element.Window) (*windowValues, bool) {
	state, ok := h.views[view]
	if !ok {
		return nil, false
	}
	values, ok := state.windows[state.mapping(w).String()]
	return values, ok
}

func (h *MemoryHandler) IsReady(view View, w element.Window) bool {
	_, ok := h.lookup(view, w)
	return ok
}

func (h *MemoryHandler) Get(view View, w element.Window) []any {
	if values, ok := h.lookup(view, w); ok {
		return values.values
	}
	return nil
}

func (h *MemoryHandler) AddValue(view View, elem element.WindowedElement) error {
	state, ok := h.views[view]
	if !ok {
		return errors.Errorf("unknown side input view %s", view)
	}
	for _, w := range elem.Windows {
		values, ok := state.windows[w.String()]
		if !ok {
			values = &windowValues{window: w}
			state.windows[w.String()] = values
		}
		values.values = append(values.values, elem.Value)
	}
	return nil
}

func (h *MemoryHandler) Collect(watermark element.Time) {
	for _, state := range h.views {
		for name, values := range state.windows {
			if values.window.MaxTimestamp() < watermark {
				delete(state.windows, name)
			}
		}
	}
}

const (
	snapshotValueField protowire.Number = 1
	snapshotViewField  protowire.Number = 1
	snapshotElemField  protowire.Number = 2
)

// Snapshot writes every materialised value as a single-window element.
func (h *MemoryHandler) Snapshot(coder element.Coder) ([]byte, error) {
	var b []byte
	for _, view := range h.Views() {
		state := h.views[view]
		names := make([]string, 0, len(state.windows))
		for name := range state.windows {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			values := state.windows[name]
			for _, value := range values.values {
				raw, err := element.MarshalElement(element.Of("", value, values.window.MaxTimestamp(), values.window), coder)
				if err != nil {
					return nil, errors.WithMessagef(err, "failed to snapshot side input %s", view)
				}
				var msg []byte
				msg = protowire.AppendTag(msg, snapshotViewField, protowire.BytesType)
				msg = protowire.AppendString(msg, string(view))
				msg = protowire.AppendTag(msg, snapshotElemField, protowire.BytesType)
				msg = protowire.AppendBytes(msg, raw)
				b = protowire.AppendTag(b, snapshotValueField, protowire.BytesType)
				b = protowire.AppendBytes(b, msg)
			}
		}
	}
	return b, nil
}

func (h *MemoryHandler) Restore(snapshot []byte, coder element.Coder) error {
	for _, state := range h.views {
		state.windows = map[string]*windowValues{}
	}
	return element.RangeFields(snapshot, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != snapshotValueField {
			return 0, nil
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		var (
			view View
			elem element.WindowedElement
		)
		if err := element.RangeFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case snapshotViewField:
				s, n := protowire.ConsumeString(b)
				view = View(s)
				return n, nil
			case snapshotElemField:
				raw, n := protowire.ConsumeBytes(b)
				if n < 0 {
					return n, nil
				}
				decoded, err := element.UnmarshalElement(raw, coder)
				elem = decoded
				return n, err
			}
			return 0, nil
		}); err != nil {
			return 0, err
		}
		return n, h.AddValue(view, elem)
	})
}
