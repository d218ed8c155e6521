package kr_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/range-sharding/resharder/pkg/models/kr"
	"github.com/range-sharding/resharder/qdb"
)

func key(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func TestCmpRanges(t *testing.T) {
	assert := assert.New(t)

	for i, c := range []struct {
		left     []byte
		right    []byte
		less     bool
		lessEq   bool
		eq       bool
	}{
		{key(1), key(2), true, true, false},
		{key(2), key(1), false, false, false},
		{key(7), key(7), false, true, true},
		// shorter bounds sort first regardless of content
		{[]byte{0xff}, key(0), true, true, false},
		{nil, []byte{0}, true, true, false},
		{nil, nil, false, true, true},
	} {
		assert.Equal(c.less, kr.CmpRangesLess(c.left, c.right), "case %d", i)
		assert.Equal(c.lessEq, kr.CmpRangesLessEqual(c.left, c.right), "case %d", i)
		assert.Equal(c.eq, kr.CmpRangesEqual(c.left, c.right), "case %d", i)
	}
}

func TestKeyRangeIn(t *testing.T) {
	assert := assert.New(t)

	for i, c := range []struct {
		krg      *kr.KeyRange
		k        []byte
		expected bool
	}{
		{&kr.KeyRange{LowerBound: key(10), UpperBound: key(20)}, key(10), true},
		{&kr.KeyRange{LowerBound: key(10), UpperBound: key(20)}, key(15), true},
		// half-open: the upper bound itself is excluded
		{&kr.KeyRange{LowerBound: key(10), UpperBound: key(20)}, key(20), false},
		{&kr.KeyRange{LowerBound: key(10), UpperBound: key(20)}, key(9), false},
		{&kr.KeyRange{UpperBound: key(20)}, key(0), true},
		{&kr.KeyRange{LowerBound: key(10)}, key(1 << 62), true},
		{&kr.KeyRange{}, key(42), true},
	} {
		assert.Equal(c.expected, c.krg.In(c.k), "case %d", i)
	}
}

func TestKeyRangeOverlaps(t *testing.T) {
	assert := assert.New(t)

	for i, c := range []struct {
		a        *kr.KeyRange
		b        *kr.KeyRange
		expected bool
	}{
		{&kr.KeyRange{UpperBound: key(10)}, &kr.KeyRange{LowerBound: key(10)}, false},
		{&kr.KeyRange{UpperBound: key(11)}, &kr.KeyRange{LowerBound: key(10)}, true},
		{&kr.KeyRange{LowerBound: key(10), UpperBound: key(20)}, &kr.KeyRange{LowerBound: key(20), UpperBound: key(30)}, false},
		{&kr.KeyRange{}, &kr.KeyRange{LowerBound: key(100)}, true},
		// a merge destination overlaps both of its sources
		{&kr.KeyRange{UpperBound: key(80)}, &kr.KeyRange{UpperBound: key(40)}, true},
		{&kr.KeyRange{UpperBound: key(80)}, &kr.KeyRange{LowerBound: key(40), UpperBound: key(80)}, true},
	} {
		assert.Equal(c.expected, c.a.Overlaps(c.b), "case %d", i)
		assert.Equal(c.expected, c.b.Overlaps(c.a), "case %d", i)
	}
}

func TestKeyRangeUnionAdjacent(t *testing.T) {
	assert := assert.New(t)

	a := &kr.KeyRange{UpperBound: key(40), ShardID: "sh1"}
	b := &kr.KeyRange{LowerBound: key(40), UpperBound: key(80), ShardID: "sh2"}

	assert.True(a.AdjacentBelow(b))
	assert.False(b.AdjacentBelow(a))

	u := a.UnionAdjacent(b)
	assert.Empty(u.LowerBound)
	assert.Equal(key(80), []byte(u.UpperBound))

	gap := &kr.KeyRange{LowerBound: key(50)}
	assert.False(a.AdjacentBelow(gap))
}

func TestKeyRangeDBRoundTrip(t *testing.T) {
	assert := assert.New(t)

	shard := &qdb.Shard{
		ID:         "sh1",
		KeyspaceID: "ks",
		LowerBound: key(10),
		UpperBound: key(20),
	}
	krg := kr.KeyRangeFromDB(shard)
	assert.Equal("sh1", krg.ShardID)
	assert.True(krg.In(key(10)))
	assert.False(krg.In(key(20)))

	back := krg.ToDB()
	assert.Equal(shard.ID, back.ID)
	assert.Equal(shard.LowerBound, back.LowerBound)
	assert.Equal(shard.UpperBound, back.UpperBound)
}
