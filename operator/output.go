package operator

import (
	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/pkg/errors"
)

type taggedElement struct {
	tag  element.Tag
	elem element.WindowedElement
}

// outputManager routes DoFn output to the Output. While a snapshot is taken the
// buffer is open and output is held so it lands inside the snapshot instead.
type outputManager struct {
	output     Output
	tags       map[element.Tag]struct{}
	openBuffer bool
	buffer     []taggedElement
}

func newOutputManager(output Output, tags []element.Tag) *outputManager {
	known := map[element.Tag]struct{}{element.MainTag: {}}
	for _, tag := range tags {
		known[tag] = struct{}{}
	}
	return &outputManager{output: output, tags: known}
}

func (m *outputManager) Emit(tag element.Tag, elem element.WindowedElement) error {
	if _, ok := m.tags[tag]; !ok {
		return errors.WithMessagef(ErrUnknownTag, "tag %s", tag)
	}
	if m.openBuffer {
		m.buffer = append(m.buffer, taggedElement{tag: tag, elem: elem})
		return nil
	}
	return m.output.Emit(tag, elem)
}

// Flush hands buffered output downstream, a no-op while the buffer is open.
func (m *outputManager) Flush() error {
	if m.openBuffer || len(m.buffer) == 0 {
		return nil
	}
	for len(m.buffer) > 0 {
		next := m.buffer[0]
		if err := m.output.Emit(next.tag, next.elem); err != nil {
			return errors.WithMessage(err, "failed to flush buffered output")
		}
		m.buffer = m.buffer[1:]
	}
	m.buffer = nil
	return nil
}

func (m *outputManager) EmitWatermark(watermark element.Time) error {
	return m.output.EmitWatermark(watermark)
}

func (m *outputManager) OpenBuffer() { m.openBuffer = true }

func (m *outputManager) CloseBuffer() { m.openBuffer = false }

func (m *outputManager) Buffering() bool { return m.openBuffer }

func (m *outputManager) Buffered() []taggedElement { return m.buffer }

func (m *outputManager) restore(buffer []taggedElement) { m.buffer = buffer }
