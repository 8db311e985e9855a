package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytePool_GetReturnsFullSize(t *testing.T) {
	p := NewBytePool(1500)
	b := p.Get()
	assert.Len(t, b, 1500)
}

func TestBytePool_PutRestoresLength(t *testing.T) {
	p := NewBytePool(64)
	b := p.Get()
	p.Put(b[:10])

	got := p.Get()
	assert.Len(t, got, 64)
}

func TestBytePool_DropsUndersized(t *testing.T) {
	p := NewBytePool(64)
	p.Put(make([]byte, 8))

	got := p.Get()
	assert.Len(t, got, 64)
}
