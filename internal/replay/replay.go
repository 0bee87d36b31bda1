package replay

import (
	"io"
	"time"

	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/log"
	"github.com/RuiFG/streaming/streaming-runner/operator"
	"github.com/RuiFG/streaming/streaming-runner/sideinput"
	"github.com/RuiFG/streaming/streaming-runner/store"
	"github.com/RuiFG/streaming/streaming-runner/task"
	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Event is one line of a replay script.
type Event struct {
	// Type is element, watermark, side_input, side_watermark, advance, checkpoint, ack, abort or drain.
	Type      string       `json:"type"`
	Key       string       `json:"key,omitempty"`
	Value     any          `json:"value,omitempty"`
	Timestamp element.Time `json:"timestamp,omitempty"`
	Window    *Window      `json:"window,omitempty"`
	View      string       `json:"view,omitempty"`
	Input     int          `json:"input,omitempty"`
	Id        int64        `json:"id,omitempty"`
	Millis    int64        `json:"millis,omitempty"`
}

type Window struct {
	Start element.Time `json:"start"`
	End   element.Time `json:"end"`
}

func (e Event) element() element.WindowedElement {
	if e.Window != nil {
		return element.Of(e.Key, e.Value, e.Timestamp, element.IntervalWindow{Start: e.Window.Start, End: e.Window.End})
	}
	return element.Of(e.Key, e.Value, e.Timestamp)
}

func (e Event) input() int {
	if e.Input == 0 {
		return 1
	}
	return e.Input
}

// Data converts a stream event into task input.
func (e Event) Data() (task.Data, error) {
	switch e.Type {
	case "element":
		return e.element(), nil
	case "watermark":
		return task.Watermark(e.Timestamp), nil
	case "side_input":
		return task.SideInput{View: sideinput.View(e.View), Element: e.element()}, nil
	case "side_watermark":
		return task.SideInputWatermark{Input: e.input(), Watermark: e.Timestamp}, nil
	}
	return nil, errors.Errorf("event type %q can't be streamed into a task", e.Type)
}

// Record is one line written by a replay.
type Record struct {
	Type      string       `json:"type"`
	Tag       string       `json:"tag,omitempty"`
	Key       string       `json:"key,omitempty"`
	Value     any          `json:"value,omitempty"`
	Timestamp element.Time `json:"timestamp"`
	Window    string       `json:"window,omitempty"`
	Id        int64        `json:"id,omitempty"`
	Bytes     int          `json:"bytes,omitempty"`
}

// JSONCoder encodes element values inside snapshots as JSON.
type JSONCoder struct{}

func (JSONCoder) Encode(value any) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONCoder) Decode(data []byte) (any, error) {
	var value any
	err := json.Unmarshal(data, &value)
	return value, err
}

type recordOutput struct {
	encoder *json.Encoder
}

// NewRecordOutput writes every output element and watermark to w as a Record line.
func NewRecordOutput(w io.Writer) operator.Output {
	return &recordOutput{encoder: json.NewEncoder(w)}
}

func (r *recordOutput) Emit(tag element.Tag, elem element.WindowedElement) error {
	return r.encoder.Encode(Record{
		Type:      "output",
		Tag:       string(tag),
		Key:       elem.Key,
		Value:     elem.Value,
		Timestamp: elem.Timestamp,
		Window:    elem.Window().String(),
	})
}

func (r *recordOutput) EmitWatermark(watermark element.Time) error {
	return r.encoder.Encode(Record{Type: "watermark", Timestamp: watermark})
}

// Replayer drives one operator from a script on a mock clock, so runs are reproducible.
type Replayer struct {
	logger  log.Logger
	op      *operator.DoFnOperator
	ctx     *operator.LocalContext
	clock   *clock.Mock
	backend store.Backend
	encoder *json.Encoder
}

type Options struct {
	Views    []sideinput.View
	Channels int
	Backend  store.Backend
	// Start is the initial processing time, the unix epoch when zero.
	Start time.Time
}

// New restores the operator from opts.Backend when it holds state for the operator's name.
func New(doFn operator.DoFn, w io.Writer, opts Options, withOptions ...operator.WithOptions) (*Replayer, error) {
	r := &Replayer{
		logger:  log.Global().Named("replay"),
		clock:   clock.NewMock(),
		backend: opts.Backend,
		encoder: json.NewEncoder(w),
	}
	if r.backend == nil {
		r.backend = store.NewMemoryBackend()
	}
	if !opts.Start.IsZero() {
		r.clock.Set(opts.Start)
	}
	r.ctx = operator.NewLocalContext(r.logger.Named("context"))
	base := []operator.WithOptions{
		operator.WithClock(r.clock),
		operator.WithOutput(&recordOutput{encoder: r.encoder}),
		operator.WithValueCoder(JSONCoder{}),
	}
	if len(opts.Views) > 0 {
		channels := opts.Channels
		if channels <= 0 {
			channels = 1
		}
		base = append(base, operator.WithSideInputs(sideinput.NewMemoryHandler(opts.Views...), channels))
	}
	op, err := operator.New(doFn, append(base, withOptions...)...)
	if err != nil {
		return nil, err
	}
	r.op = op
	state, err := r.backend.Get(op.Name())
	if err != nil {
		return nil, multiClose(op, errors.WithMessage(err, "failed to load checkpoint"))
	}
	if len(state) > 0 {
		if err = op.Restore(state); err != nil {
			return nil, multiClose(op, err)
		}
	}
	if err = op.Open(r.ctx); err != nil {
		return nil, multiClose(op, err)
	}
	return r, nil
}

func multiClose(op *operator.DoFnOperator, err error) error {
	return multierr.Append(err, op.Close())
}

// Run applies every event of the script in order.
func (r *Replayer) Run(script io.Reader) error {
	decoder := json.NewDecoder(script)
	for line := 1; ; line++ {
		var event Event
		if err := decoder.Decode(&event); err == io.EOF {
			return nil
		} else if err != nil {
			return errors.WithMessagef(err, "malformed event %d", line)
		}
		if err := r.Apply(event); err != nil {
			return errors.WithMessagef(err, "event %d (%s)", line, event.Type)
		}
	}
}

func (r *Replayer) Apply(event Event) error {
	var err error
	switch event.Type {
	case "element":
		err = r.op.OnElement(event.element())
	case "watermark":
		err = r.op.OnWatermark(event.Timestamp)
	case "side_input":
		err = r.op.OnSideInputElement(sideinput.View(event.View), event.element())
	case "side_watermark":
		err = r.op.OnSideInputWatermark(event.input(), event.Timestamp)
	case "advance":
		r.clock.Add(time.Duration(event.Millis) * time.Millisecond)
	case "checkpoint":
		err = r.checkpoint(event.Id)
	case "ack":
		if err = r.backend.Persist(event.Id); err == nil {
			err = r.op.NotifyAcknowledged(event.Id)
		}
	case "abort":
		r.op.NotifyAborted(event.Id)
	case "drain":
		err = r.op.Drain()
	default:
		return errors.Errorf("unknown event type %q", event.Type)
	}
	if err != nil {
		return err
	}
	return r.ctx.RunPending()
}

func (r *Replayer) checkpoint(id int64) error {
	if err := r.op.PrepareSnapshot(id); err != nil {
		return err
	}
	snapshot, err := r.op.Snapshot(id)
	if err != nil {
		return err
	}
	if err = r.backend.Save(id, r.op.Name(), snapshot); err != nil {
		return err
	}
	return r.encoder.Encode(Record{Type: "checkpoint", Id: id, Bytes: len(snapshot), Timestamp: r.op.OutputWatermark()})
}

func (r *Replayer) Operator() *operator.DoFnOperator {
	return r.op
}

func (r *Replayer) Close() error {
	return r.op.Close()
}
