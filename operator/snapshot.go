package operator

import (
	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/store"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// field numbers of the snapshot envelope
const (
	snapshotOutputField             protowire.Number = 1
	snapshotPushbackField           protowire.Number = 2
	snapshotStableBatchField        protowire.Number = 3
	snapshotInputWatermarkField     protowire.Number = 4
	snapshotSideInputWatermarkField protowire.Number = 5
	snapshotOutputWatermarkField    protowire.Number = 6
	snapshotKeyedStoreField         protowire.Number = 7
	snapshotSideInputsField         protowire.Number = 8
	snapshotGlobalClearedField      protowire.Number = 9

	outputTagField     protowire.Number = 1
	outputElementField protowire.Number = 2

	stableIdField      protowire.Number = 1
	stableElementField protowire.Number = 2
)

// sideInputSnapshotter is implemented by side-input handlers whose content travels in snapshots.
type sideInputSnapshotter interface {
	Snapshot(coder element.Coder) ([]byte, error)
	Restore(snapshot []byte, coder element.Coder) error
}

type snapshotState struct {
	output             []taggedElement
	pushback           []element.WindowedElement
	stable             []stableBatch
	inputWatermark     element.Time
	sideInputWatermark element.Time
	outputWatermark    element.Time
	keyedStore         []byte
	sideInputs         []byte
	globalCleared      bool
}

func appendElement(b []byte, num protowire.Number, elem element.WindowedElement, coder element.Coder) ([]byte, error) {
	raw, err := element.MarshalElement(elem, coder)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, raw), nil
}

func consumeElement(b []byte, coder element.Coder) (element.WindowedElement, int, error) {
	raw, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return element.WindowedElement{}, n, nil
	}
	elem, err := element.UnmarshalElement(raw, coder)
	return elem, n, err
}

func marshalSnapshot(state snapshotState, coder element.Coder) ([]byte, error) {
	var (
		b   []byte
		err error
	)
	for _, tagged := range state.output {
		var msg []byte
		msg = protowire.AppendTag(msg, outputTagField, protowire.BytesType)
		msg = protowire.AppendString(msg, string(tagged.tag))
		if msg, err = appendElement(msg, outputElementField, tagged.elem, coder); err != nil {
			return nil, errors.WithMessage(err, "failed to marshal buffered output")
		}
		b = protowire.AppendTag(b, snapshotOutputField, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	for _, elem := range state.pushback {
		if b, err = appendElement(b, snapshotPushbackField, elem, coder); err != nil {
			return nil, errors.WithMessage(err, "failed to marshal pushed back element")
		}
	}
	for _, batch := range state.stable {
		var msg []byte
		msg = protowire.AppendTag(msg, stableIdField, protowire.VarintType)
		msg = protowire.AppendVarint(msg, protowire.EncodeZigZag(batch.checkpointId))
		for _, elem := range batch.elements {
			if msg, err = appendElement(msg, stableElementField, elem, coder); err != nil {
				return nil, errors.WithMessage(err, "failed to marshal stable input")
			}
		}
		b = protowire.AppendTag(b, snapshotStableBatchField, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	b = element.AppendTime(b, snapshotInputWatermarkField, state.inputWatermark)
	b = element.AppendTime(b, snapshotSideInputWatermarkField, state.sideInputWatermark)
	b = element.AppendTime(b, snapshotOutputWatermarkField, state.outputWatermark)
	if state.keyedStore != nil {
		b = protowire.AppendTag(b, snapshotKeyedStoreField, protowire.BytesType)
		b = protowire.AppendBytes(b, state.keyedStore)
	}
	if state.sideInputs != nil {
		b = protowire.AppendTag(b, snapshotSideInputsField, protowire.BytesType)
		b = protowire.AppendBytes(b, state.sideInputs)
	}
	b = protowire.AppendTag(b, snapshotGlobalClearedField, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(state.globalCleared))
	return b, nil
}

func unmarshalSnapshot(b []byte, coder element.Coder) (snapshotState, error) {
	state := snapshotState{
		inputWatermark:     element.MinTimestamp,
		sideInputWatermark: element.MinTimestamp,
		outputWatermark:    element.MinTimestamp,
	}
	err := element.RangeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case snapshotOutputField:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var tagged taggedElement
			err := element.RangeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case outputTagField:
					tag, n := protowire.ConsumeString(b)
					tagged.tag = element.Tag(tag)
					return n, nil
				case outputElementField:
					elem, n, err := consumeElement(b, coder)
					tagged.elem = elem
					return n, err
				}
				return 0, nil
			})
			state.output = append(state.output, tagged)
			return n, err
		case snapshotPushbackField:
			elem, n, err := consumeElement(b, coder)
			if n >= 0 && err == nil {
				state.pushback = append(state.pushback, elem)
			}
			return n, err
		case snapshotStableBatchField:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var batch stableBatch
			err := element.RangeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case stableIdField:
					v, n := protowire.ConsumeVarint(b)
					batch.checkpointId = protowire.DecodeZigZag(v)
					return n, nil
				case stableElementField:
					elem, n, err := consumeElement(b, coder)
					if n >= 0 && err == nil {
						batch.elements = append(batch.elements, elem)
					}
					return n, err
				}
				return 0, nil
			})
			state.stable = append(state.stable, batch)
			return n, err
		case snapshotInputWatermarkField:
			t, n := element.ConsumeTime(b)
			state.inputWatermark = t
			return n, nil
		case snapshotSideInputWatermarkField:
			t, n := element.ConsumeTime(b)
			state.sideInputWatermark = t
			return n, nil
		case snapshotOutputWatermarkField:
			t, n := element.ConsumeTime(b)
			state.outputWatermark = t
			return n, nil
		case snapshotKeyedStoreField:
			raw, n := protowire.ConsumeBytes(b)
			state.keyedStore = append([]byte{}, raw...)
			return n, nil
		case snapshotSideInputsField:
			raw, n := protowire.ConsumeBytes(b)
			state.sideInputs = append([]byte{}, raw...)
			return n, nil
		case snapshotGlobalClearedField:
			v, n := protowire.ConsumeVarint(b)
			state.globalCleared = protowire.DecodeBool(v)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return snapshotState{}, errors.WithMessage(err, "failed to unmarshal operator snapshot")
	}
	return state, nil
}

func (o *DoFnOperator) encodeSnapshot() ([]byte, error) {
	state := snapshotState{
		output:             o.output.Buffered(),
		inputWatermark:     o.InputWatermark(),
		sideInputWatermark: o.SideInputWatermark(),
		outputWatermark:    o.OutputWatermark(),
		globalCleared:      o.globalStateCleared,
	}
	if o.pushback != nil {
		state.pushback = o.pushback.elements
	}
	if o.stable != nil {
		state.stable = o.stable.batches
	}
	if snapshotter, ok := o.keyedStore.(store.Snapshotter); ok {
		raw, err := snapshotter.Snapshot()
		if err != nil {
			return nil, errors.WithMessage(err, "failed to snapshot keyed store")
		}
		state.keyedStore = raw
	}
	if snapshotter, ok := o.options.sideInputs.(sideInputSnapshotter); ok {
		raw, err := snapshotter.Snapshot(o.coder)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to snapshot side inputs")
		}
		state.sideInputs = raw
	}
	return marshalSnapshot(state, o.coder)
}

// Restore loads a snapshot taken by Snapshot, it must be called before Open.
func (o *DoFnOperator) Restore(snapshot []byte) error {
	if !o.status.Load().Ready() {
		return errors.New("operator can only be restored before it is opened")
	}
	state, err := unmarshalSnapshot(snapshot, o.coder)
	if err != nil {
		return err
	}
	o.output.restore(state.output)
	if o.pushback != nil {
		o.pushback.restore(state.pushback)
		o.pushbackWatermark.Store(int64(o.pushback.Min()))
	} else if len(state.pushback) > 0 {
		return errors.Errorf("snapshot holds %d pushed back elements but no side inputs are configured", len(state.pushback))
	}
	if o.stable != nil {
		o.stable.batches = state.stable
	} else if len(state.stable) > 0 {
		return errors.New("snapshot holds stable input but stable input is disabled")
	}
	o.inputWatermark.Store(int64(state.inputWatermark))
	o.sideInputWatermark.Store(int64(state.sideInputWatermark))
	if o.sideInputCombine != nil && state.sideInputWatermark > element.MinTimestamp {
		o.sideInputCombine = NewActiveCombineWatermark(o.sideInputCombine.Inputs(), state.sideInputWatermark)
	}
	o.outputWatermark.Store(int64(state.outputWatermark))
	o.globalStateCleared = state.globalCleared
	if state.keyedStore != nil {
		snapshotter, ok := o.keyedStore.(store.Snapshotter)
		if !ok {
			return errors.New("snapshot holds keyed state but the keyed store can't restore it")
		}
		if err = snapshotter.Restore(state.keyedStore); err != nil {
			return errors.WithMessage(err, "failed to restore keyed store")
		}
	}
	if state.sideInputs != nil {
		snapshotter, ok := o.options.sideInputs.(sideInputSnapshotter)
		if !ok {
			return errors.New("snapshot holds side inputs but the handler can't restore them")
		}
		if err = snapshotter.Restore(state.sideInputs, o.coder); err != nil {
			return errors.WithMessage(err, "failed to restore side inputs")
		}
	}
	o.logger.Infow("operator restored.", "buffered", len(state.output), "pushback", len(state.pushback),
		"output watermark", state.outputWatermark)
	return nil
}
