package replay

import (
	"sort"
	"time"

	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/operator"
	"github.com/RuiFG/streaming/streaming-runner/sideinput"
	"github.com/RuiFG/streaming/streaming-runner/timer"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

func Identity() operator.DoFn {
	return operator.ProcessFunc(func(ctx operator.ProcessContext, elem element.WindowedElement) error {
		return ctx.Output(elem)
	})
}

const (
	bufferField = "buffer"
	flushTimer  = "flush"
)

type buffered struct {
	First  element.Time `json:"first"`
	Values []any        `json:"values"`
}

// Buffer holds the values of each key and window until the event-time timer at
// the last arrival plus delay fires. The output watermark stays at the first
// buffered timestamp until then.
type Buffer struct {
	operator.BaseDoFn
	Delay time.Duration
}

func (b *Buffer) load(state operator.State) (buffered, error) {
	var buf buffered
	raw, ok, err := state.Get(bufferField)
	if err != nil || !ok {
		return buf, err
	}
	err = json.Unmarshal(raw, &buf)
	return buf, errors.WithMessage(err, "malformed buffer")
}

func (b *Buffer) ProcessElement(ctx operator.ProcessContext, elem element.WindowedElement) error {
	buf, err := b.load(ctx.State())
	if err != nil {
		return err
	}
	if len(buf.Values) == 0 || elem.Timestamp < buf.First {
		buf.First = elem.Timestamp
	}
	buf.Values = append(buf.Values, elem.Value)
	raw, err := json.Marshal(buf)
	if err != nil {
		return err
	}
	if err = ctx.State().Put(bufferField, raw); err != nil {
		return err
	}
	target := elem.Timestamp + element.Time(b.Delay.Milliseconds())
	return ctx.SetTimer(flushTimer, "", target, buf.First, timer.EventTime)
}

func (b *Buffer) OnTimer(ctx operator.ProcessContext, record operator.TimerRecord) error {
	buf, err := b.load(ctx.State())
	if err != nil {
		return err
	}
	if err = ctx.State().Remove(bufferField); err != nil {
		return err
	}
	return ctx.Output(element.Of(ctx.Key(), buf.Values, record.OutputTimestamp, ctx.Window()))
}

// Enrich pairs every value with the side input values of its window, sorted by their JSON form.
func Enrich(view sideinput.View) operator.DoFn {
	return operator.ProcessFunc(func(ctx operator.ProcessContext, elem element.WindowedElement) error {
		side := append([]any{}, ctx.SideInput(view)...)
		keys := make([]string, len(side))
		for i, value := range side {
			raw, err := json.Marshal(value)
			if err != nil {
				return err
			}
			keys[i] = string(raw)
		}
		sort.Sort(bySortKey{values: side, keys: keys})
		return ctx.Output(elem.WithValue(map[string]any{"value": elem.Value, string(view): side}))
	})
}

type bySortKey struct {
	values []any
	keys   []string
}

func (b bySortKey) Len() int { return len(b.values) }

func (b bySortKey) Less(i, j int) bool { return b.keys[i] < b.keys[j] }

func (b bySortKey) Swap(i, j int) {
	b.values[i], b.values[j] = b.values[j], b.values[i]
	b.keys[i], b.keys[j] = b.keys[j], b.keys[i]
}

// Lookup resolves a built-in DoFn by name.
func Lookup(name string, delay time.Duration, view sideinput.View) (operator.DoFn, error) {
	switch name {
	case "identity":
		return Identity(), nil
	case "buffer":
		return &Buffer{Delay: delay}, nil
	case "enrich":
		if view == "" {
			return nil, errors.New("enrich needs a side input view")
		}
		return Enrich(view), nil
	}
	return nil, errors.Errorf("unknown dofn %s", name)
}
