package pools

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPoolTiers(t *testing.T) {
	bp := NewBufferPool()

	small := bp.Get(100)
	assert.Zero(t, len(*small))
	assert.GreaterOrEqual(t, cap(*small), SmallBufferSize)

	large := bp.Get(SmallBufferSize + 1)
	assert.GreaterOrEqual(t, cap(*large), LargeBufferSize)

	*small = append(*small, "data"...)
	bp.Put(small)
	bp.Put(large)
	bp.Put(nil)

	again := bp.Get(10)
	assert.Zero(t, len(*again), "released buffers are reset")
}

func TestReaderPool(t *testing.T) {
	br := AcquireReader(strings.NewReader("first"))
	line, _ := br.ReadString('\n')
	assert.Equal(t, "first", line)
	ReleaseReader(br)

	br = AcquireReader(strings.NewReader("second"))
	defer ReleaseReader(br)
	line, _ = br.ReadString('\n')
	assert.Equal(t, "second", line)
}
