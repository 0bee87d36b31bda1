package store

import (
	"strings"

	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	entryField          protowire.Number = 1
	entryKeyField       protowire.Number = 1
	entryNamespaceField protowire.Number = 2
	entryFieldField     protowire.Number = 3
	entryValueField     protowire.Number = 4

	separator = "\x00"
)

func marshalEntries(entries []Entry) []byte {
	var b []byte
	for _, entry := range entries {
		var msg []byte
		msg = protowire.AppendTag(msg, entryKeyField, protowire.BytesType)
		msg = protowire.AppendString(msg, entry.Key)
		msg = protowire.AppendTag(msg, entryNamespaceField, protowire.BytesType)
		msg = protowire.AppendString(msg, entry.Namespace)
		msg = protowire.AppendTag(msg, entryFieldField, protowire.BytesType)
		msg = protowire.AppendString(msg, entry.Field)
		msg = protowire.AppendTag(msg, entryValueField, protowire.BytesType)
		msg = protowire.AppendBytes(msg, entry.Value)
		b = protowire.AppendTag(b, entryField, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	return b
}

func unmarshalEntries(b []byte) ([]Entry, error) {
	var entries []Entry
	err := element.RangeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != entryField {
			return 0, nil
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		var entry Entry
		if err := element.RangeFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case entryKeyField, entryNamespaceField, entryFieldField:
				s, n := protowire.ConsumeString(b)
				switch num {
				case entryKeyField:
					entry.Key = s
				case entryNamespaceField:
					entry.Namespace = s
				default:
					entry.Field = s
				}
				return n, nil
			case entryValueField:
				v, n := protowire.ConsumeBytes(b)
				entry.Value = append([]byte{}, v...)
				return n, nil
			}
			return 0, nil
		}); err != nil {
			return 0, err
		}
		entries = append(entries, entry)
		return n, nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "malformed keyed store snapshot")
	}
	return entries, nil
}

// encodeSlot lays key, namespace and field out so that all entries of a key share a prefix.
func encodeSlot(key, namespace, field string) []byte {
	return []byte(key + separator + namespace + separator + field)
}

func decodeSlot(raw []byte) (key, namespace, field string, err error) {
	parts := strings.SplitN(string(raw), separator, 3)
	if len(parts) != 3 {
		return "", "", "", errors.Errorf("malformed slot %q", raw)
	}
	return parts[0], parts[1], parts[2], nil
}
