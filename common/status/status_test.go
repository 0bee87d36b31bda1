package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCell_CAS(t *testing.T) {
	c := NewCell()
	assert.True(t, c.Load().Ready())
	assert.True(t, c.CAS(Ready, Running))
	assert.False(t, c.CAS(Ready, Running))
	assert.True(t, c.Load().Running())
	assert.True(t, c.CAS(Running, Closed))
	assert.True(t, c.Load().Closed())
}
