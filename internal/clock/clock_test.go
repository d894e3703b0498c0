package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMock(t *testing.T) {
	start := time.UnixMilli(1000)
	m := NewMock(start)
	assert.Equal(t, start, m.Now())

	m.Add(1500 * time.Millisecond)
	assert.Equal(t, int64(2500), m.Now().UnixMilli())

	m.Set(time.UnixMilli(42))
	assert.Equal(t, int64(42), m.Now().UnixMilli())
}
