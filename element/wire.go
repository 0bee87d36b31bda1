package element

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// field numbers of the element envelope
const (
	elementKeyField       protowire.Number = 1
	elementValueField     protowire.Number = 2
	elementTimestampField protowire.Number = 3
	elementWindowField    protowire.Number = 4
	elementPaneField      protowire.Number = 5

	windowStartField protowire.Number = 1
	windowEndField   protowire.Number = 2

	paneIndexField   protowire.Number = 1
	paneFirstField   protowire.Number = 2
	paneLastField    protowire.Number = 3
	paneTimingField  protowire.Number = 4
	globalWindowFlag protowire.Number = 3
)

// RangeFields walks a protobuf-wire message, fn returns the bytes it consumed from b.
func RangeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.WithMessage(protowire.ParseError(n), "malformed tag")
		}
		b = b[n:]
		consumed, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if consumed == 0 {
			consumed = protowire.ConsumeFieldValue(num, typ, b)
		}
		if consumed < 0 {
			return errors.WithMessagef(protowire.ParseError(consumed), "malformed field %d", num)
		}
		b = b[consumed:]
	}
	return nil
}

// ConsumeTime reads a zigzag varint written by AppendTime.
func ConsumeTime(b []byte) (Time, int) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, n
	}
	return Time(protowire.DecodeZigZag(v)), n
}

func AppendTime(b []byte, num protowire.Number, t Time) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(t)))
}

func appendWindow(b []byte, w Window) []byte {
	var msg []byte
	switch window := w.(type) {
	case IntervalWindow:
		msg = AppendTime(msg, windowStartField, window.Start)
		msg = AppendTime(msg, windowEndField, window.End)
	default:
		msg = protowire.AppendTag(msg, globalWindowFlag, protowire.VarintType)
		msg = protowire.AppendVarint(msg, 1)
	}
	b = protowire.AppendTag(b, elementWindowField, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func consumeWindow(b []byte) (Window, error) {
	var (
		interval IntervalWindow
		global   bool
	)
	err := RangeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case windowStartField:
			t, n := ConsumeTime(b)
			interval.Start = t
			return n, nil
		case windowEndField:
			t, n := ConsumeTime(b)
			interval.End = t
			return n, nil
		case globalWindowFlag:
			global = true
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if global {
		return GlobalWindow{}, nil
	}
	return interval, nil
}

func appendPane(b []byte, p Pane) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, paneIndexField, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(p.Index))
	msg = protowire.AppendTag(msg, paneFirstField, protowire.VarintType)
	msg = protowire.AppendVarint(msg, protowire.EncodeBool(p.IsFirst))
	msg = protowire.AppendTag(msg, paneLastField, protowire.VarintType)
	msg = protowire.AppendVarint(msg, protowire.EncodeBool(p.IsLast))
	msg = protowire.AppendTag(msg, paneTimingField, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(p.Timing))
	b = protowire.AppendTag(b, elementPaneField, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func consumePane(b []byte) (Pane, error) {
	var p Pane
	err := RangeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case paneIndexField:
			p.Index = int64(v)
		case paneFirstField:
			p.IsFirst = protowire.DecodeBool(v)
		case paneLastField:
			p.IsLast = protowire.DecodeBool(v)
		case paneTimingField:
			p.Timing = PaneTiming(v)
		default:
			return 0, nil
		}
		return n, nil
	})
	return p, err
}

// MarshalElement encodes e as a protobuf-wire message, the value goes through coder.
func MarshalElement(e WindowedElement, coder Coder) ([]byte, error) {
	value, err := coder.Encode(e.Value)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to encode value of key %s", e.Key)
	}
	var b []byte
	b = protowire.AppendTag(b, elementKeyField, protowire.BytesType)
	b = protowire.AppendString(b, e.Key)
	b = protowire.AppendTag(b, elementValueField, protowire.BytesType)
	b = protowire.AppendBytes(b, value)
	b = AppendTime(b, elementTimestampField, e.Timestamp)
	for _, w := range e.Windows {
		b = appendWindow(b, w)
	}
	b = appendPane(b, e.Pane)
	return b, nil
}

func UnmarshalElement(b []byte, coder Coder) (WindowedElement, error) {
	var e WindowedElement
	err := RangeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case elementKeyField:
			key, n := protowire.ConsumeString(b)
			e.Key = key
			return n, nil
		case elementValueField:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			value, err := coder.Decode(raw)
			if err != nil {
				return 0, err
			}
			e.Value = value
			return n, nil
		case elementTimestampField:
			t, n := ConsumeTime(b)
			e.Timestamp = t
			return n, nil
		case elementWindowField:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			w, err := consumeWindow(raw)
			if err != nil {
				return 0, err
			}
			e.Windows = append(e.Windows, w)
			return n, nil
		case elementPaneField:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			p, err := consumePane(raw)
			if err != nil {
				return 0, err
			}
			e.Pane = p
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return WindowedElement{}, errors.WithMessage(err, "failed to unmarshal element")
	}
	return e, nil
}
