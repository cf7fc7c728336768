package client

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/venderneutral/kyu"
)

func TestTable(t *testing.T) {
	conn := kyu.NewIdGenerator().NextConnectionId()
	id := func(v int64) kyu.SessionId { return kyu.SessionId{Connection: conn, Value: v} }

	var tb table[kyu.SessionId, string]
	assert.Zero(t, tb.size())
	assert.Empty(t, tb.sorted())

	tb.put(id(3), "c")
	tb.put(id(1), "a")
	tb.put(id(2), "b")
	assert.Equal(t, []string{"a", "b", "c"}, tb.sorted())

	snap := tb.snapshot()
	tb.put(id(4), "d")
	_, ok := tb.remove(id(1))
	assert.True(t, ok)
	assert.Len(t, snap, 3, "a snapshot does not see later writes")

	v, ok := tb.get(id(4))
	assert.True(t, ok)
	assert.Equal(t, "d", v)
	_, ok = tb.remove(id(1))
	assert.False(t, ok)

	assert.Equal(t, []string{"b", "c", "d"}, tb.clear())
	assert.Zero(t, tb.size())
	_, ok = tb.get(id(2))
	assert.False(t, ok)
}
