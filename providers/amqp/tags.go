package amqp

import "encoding/binary"

// maxPooledTags bounds the tags kept for reuse.
const maxPooledTags = 1024

// tagGenerator hands out delivery tags that are unique among a producer's
// unsettled deliveries. Released tags are reused before new ones are minted.
// It is owned by the provider loop.
type tagGenerator struct {
	next   uint64
	pool   [][]byte
	inUse  int
	maxLen int
}

func newTagGenerator() *tagGenerator {
	return &tagGenerator{maxLen: maxPooledTags}
}

func (g *tagGenerator) acquire() []byte {
	g.inUse++
	if n := len(g.pool); n > 0 {
		tag := g.pool[n-1]
		g.pool = g.pool[:n-1]
		return tag
	}
	g.next++
	return encodeTag(g.next)
}

func (g *tagGenerator) release(tag []byte) {
	if tag == nil {
		return
	}
	g.inUse--
	if len(g.pool) < g.maxLen {
		g.pool = append(g.pool, tag)
	}
}

// outstanding returns the number of tags acquired and not yet released.
func (g *tagGenerator) outstanding() int { return g.inUse }

// encodeTag uses the shortest big-endian form of n.
func encodeTag(n uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	return append([]byte(nil), buf[i:]...)
}
