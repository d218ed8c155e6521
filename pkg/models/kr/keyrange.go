package kr

import (
	"github.com/range-sharding/resharder/qdb"
)

type KeyRangeBound []byte

// KeyRange is a half-open interval [LowerBound, UpperBound) of routing
// keys owned by a single shard. A zero-length LowerBound means the range
// is unbounded from below, a zero-length UpperBound unbounded from above.
type KeyRange struct {
	LowerBound []byte
	UpperBound []byte
	ShardID    string
	KeyspaceID string
	ID         string
}

func CmpRangesLess(kr []byte, other []byte) bool {
	if len(kr) == len(other) {
		return string(kr) < string(other)
	}

	return len(kr) < len(other)
}

func CmpRangesLessEqual(kr []byte, other []byte) bool {
	if len(kr) == len(other) {
		return string(kr) <= string(other)
	}

	return len(kr) < len(other)
}

func CmpRangesEqual(kr []byte, other []byte) bool {
	if len(kr) == len(other) {
		return string(kr) == string(other)
	}

	return false
}

// In reports whether key belongs to the key range.
func (kr *KeyRange) In(key []byte) bool {
	if len(kr.LowerBound) != 0 && CmpRangesLess(key, kr.LowerBound) {
		return false
	}
	if len(kr.UpperBound) != 0 && !CmpRangesLess(key, kr.UpperBound) {
		return false
	}
	return true
}

// Overlaps reports whether two half-open ranges share at least one key.
func (kr *KeyRange) Overlaps(other *KeyRange) bool {
	if len(kr.UpperBound) != 0 && len(other.LowerBound) != 0 &&
		CmpRangesLessEqual(kr.UpperBound, other.LowerBound) {
		return false
	}
	if len(other.UpperBound) != 0 && len(kr.LowerBound) != 0 &&
		CmpRangesLessEqual(other.UpperBound, kr.LowerBound) {
		return false
	}
	return true
}

// AdjacentBelow reports whether kr ends exactly where other begins.
func (kr *KeyRange) AdjacentBelow(other *KeyRange) bool {
	if len(kr.UpperBound) == 0 || len(other.LowerBound) == 0 {
		return false
	}
	return CmpRangesEqual(kr.UpperBound, other.LowerBound)
}

// UnionAdjacent merges kr with an adjacent range above it. The caller
// ensures adjacency.
func (kr *KeyRange) UnionAdjacent(other *KeyRange) *KeyRange {
	return &KeyRange{
		LowerBound: kr.LowerBound,
		UpperBound: other.UpperBound,
		ShardID:    kr.ShardID,
		KeyspaceID: kr.KeyspaceID,
		ID:         kr.ID,
	}
}

func KeyRangeFromDB(sh *qdb.Shard) *KeyRange {
	return &KeyRange{
		LowerBound: sh.LowerBound,
		UpperBound: sh.UpperBound,
		ShardID:    sh.ID,
		KeyspaceID: sh.KeyspaceID,
		ID:         sh.ID,
	}
}

func (kr *KeyRange) ToDB() *qdb.Shard {
	return &qdb.Shard{
		ID:         kr.ShardID,
		KeyspaceID: kr.KeyspaceID,
		LowerBound: kr.LowerBound,
		UpperBound: kr.UpperBound,
	}
}
