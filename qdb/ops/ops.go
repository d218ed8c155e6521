package ops

import (
	"bytes"
	"context"
	"sort"

	"github.com/range-sharding/resharder/qdb"

	"github.com/range-sharding/resharder/pkg/models/kr"
	"github.com/range-sharding/resharder/pkg/models/rerror"
)

// AddShardWithChecks validates a shard against the current topology before
// registering it. Overlapping ranges are legal: a merge destination coexists
// with its sources until teardown. Only exact duplicates are rejected.
func AddShardWithChecks(ctx context.Context, q qdb.QDB, shard *qdb.Shard) error {
	if _, err := q.GetKeyspace(ctx, shard.KeyspaceID); err != nil {
		return rerror.Newf(rerror.RESH_PRECONDITION, "keyspace %s does not exist", shard.KeyspaceID)
	}

	if len(shard.LowerBound) != 0 && len(shard.UpperBound) != 0 &&
		!kr.CmpRangesLess(shard.LowerBound, shard.UpperBound) {
		return rerror.Newf(rerror.RESH_INVARIANT,
			"shard %s has inverted bounds", shard.ID)
	}

	existing, err := q.ListShards(ctx, shard.KeyspaceID)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.ID == shard.ID {
			return rerror.Newf(rerror.RESH_PRECONDITION, "shard %s already exists", shard.ID)
		}
		if bytes.Equal(other.LowerBound, shard.LowerBound) &&
			bytes.Equal(other.UpperBound, shard.UpperBound) {
			return rerror.Newf(rerror.RESH_PRECONDITION,
				"shard %s covers the same range as %s", shard.ID, other.ID)
		}
	}

	return q.AddShard(ctx, shard)
}

// SortRanges orders shard ranges for serving graph validation. An empty
// lower bound means unbounded below and sorts first.
func SortRanges(ranges []qdb.ShardRange) {
	sort.Slice(ranges, func(i, j int) bool {
		if len(ranges[i].LowerBound) == 0 {
			return true
		}
		if len(ranges[j].LowerBound) == 0 {
			return false
		}
		return kr.CmpRangesLess(ranges[i].LowerBound, ranges[j].LowerBound)
	})
}

// ValidatePartitions checks that a category's ranges partition the keyspace:
// sorted, disjoint and gap free, starting unbounded below and ending
// unbounded above.
func ValidatePartitions(shardRanges []qdb.ShardRange) error {
	if len(shardRanges) == 0 {
		return rerror.New(rerror.RESH_INVARIANT, "serving graph category has no shards")
	}

	// Validation must not reorder the caller's slice.
	ranges := make([]qdb.ShardRange, len(shardRanges))
	copy(ranges, shardRanges)
	SortRanges(ranges)

	if len(ranges[0].LowerBound) != 0 {
		return rerror.Newf(rerror.RESH_INVARIANT,
			"first serving shard %s is not unbounded below", ranges[0].ShardID)
	}

	for i := 0; i+1 < len(ranges); i++ {
		cur, next := ranges[i], ranges[i+1]
		if len(cur.UpperBound) == 0 {
			return rerror.Newf(rerror.RESH_INVARIANT,
				"serving shard %s is unbounded above but not last", cur.ShardID)
		}
		if !bytes.Equal(cur.UpperBound, next.LowerBound) {
			if kr.CmpRangesLess(next.LowerBound, cur.UpperBound) {
				return rerror.Newf(rerror.RESH_INVARIANT,
					"serving shards %s and %s overlap", cur.ShardID, next.ShardID)
			}
			return rerror.Newf(rerror.RESH_INVARIANT,
				"gap between serving shards %s and %s", cur.ShardID, next.ShardID)
		}
	}

	last := ranges[len(ranges)-1]
	if len(last.UpperBound) != 0 {
		return rerror.Newf(rerror.RESH_INVARIANT,
			"last serving shard %s is not unbounded above", last.ShardID)
	}

	return nil
}

// ReplaceServing builds the successor serving graph with removeShards swapped
// out for add in the given category. The result is validated before it is
// returned; the caller decides when to publish it.
func ReplaceServing(graph *qdb.ServingGraph, category string, removeShards []string, add qdb.ShardRange) (*qdb.ServingGraph, error) {
	removed := map[string]bool{}
	for _, id := range removeShards {
		removed[id] = true
	}

	next := &qdb.ServingGraph{
		KeyspaceID: graph.KeyspaceID,
		Version:    graph.Version + 1,
		Partitions: map[string][]qdb.ShardRange{},
	}
	for cat, ranges := range graph.Partitions {
		cp := make([]qdb.ShardRange, len(ranges))
		copy(cp, ranges)
		next.Partitions[cat] = cp
	}

	kept := make([]qdb.ShardRange, 0, len(next.Partitions[category]))
	found := 0
	for _, r := range next.Partitions[category] {
		if removed[r.ShardID] {
			found++
			continue
		}
		kept = append(kept, r)
	}
	if found != len(removeShards) {
		return nil, rerror.Newf(rerror.RESH_PRECONDITION,
			"not all of %v are serving %s for keyspace %s", removeShards, category, graph.KeyspaceID)
	}

	kept = append(kept, add)
	if err := ValidatePartitions(kept); err != nil {
		return nil, err
	}
	next.Partitions[category] = kept

	return next, nil
}

// SetTabletRole changes a tablet's role. A role change never touches the
// serving flag: promoting a tablet does not implicitly put it in rotation.
func SetTabletRole(ctx context.Context, q qdb.QDB, tabletID string, role qdb.TabletRole) error {
	tablet, err := q.GetTablet(ctx, tabletID)
	if err != nil {
		return err
	}
	tablet.Role = role
	return q.UpdateTablet(ctx, tablet)
}

// DropShardWithChecks refuses to delete a shard that is still serving,
// still has tablets, or is still referenced by a live replication cursor.
func DropShardWithChecks(ctx context.Context, q qdb.QDB, shardID string) error {
	shard, err := q.GetShard(ctx, shardID)
	if err != nil {
		return err
	}

	tablets, err := q.ListTablets(ctx, shardID)
	if err != nil {
		return err
	}
	if len(tablets) != 0 {
		return rerror.Newf(rerror.RESH_PRECONDITION,
			"shard %s still has %d tablets", shardID, len(tablets))
	}

	if graph, err := q.GetServingGraph(ctx, shard.KeyspaceID); err == nil {
		for category, ranges := range graph.Partitions {
			for _, r := range ranges {
				if r.ShardID == shardID {
					return rerror.Newf(rerror.RESH_PRECONDITION,
						"shard %s is still serving %s", shardID, category)
				}
			}
		}
	}

	cursors, err := q.ListPlayerCursors(ctx)
	if err != nil {
		return err
	}
	for _, cursor := range cursors {
		if cursor.State == qdb.PlayerStopped {
			continue
		}
		if cursor.SourceShardID == shardID || cursor.DestShardID == shardID {
			return rerror.Newf(rerror.RESH_PRECONDITION,
				"shard %s is referenced by live player cursor %s", shardID, cursor.ID)
		}
	}

	return q.DropShard(ctx, shardID)
}

// RebuildServingGraph re-derives every category's partition from the shard
// set currently recorded in the graph and republishes it with a bumped
// version. A serving reference to a missing shard is a fatal metadata error.
func RebuildServingGraph(ctx context.Context, q qdb.QDB, keyspaceID string) (*qdb.ServingGraph, error) {
	graph, err := q.GetServingGraph(ctx, keyspaceID)
	if err != nil {
		return nil, err
	}

	next := &qdb.ServingGraph{
		KeyspaceID: keyspaceID,
		Version:    graph.Version + 1,
		Partitions: map[string][]qdb.ShardRange{},
	}

	for category, ranges := range graph.Partitions {
		rebuilt := make([]qdb.ShardRange, 0, len(ranges))
		for _, r := range ranges {
			shard, err := q.GetShard(ctx, r.ShardID)
			if err != nil {
				return nil, rerror.Newf(rerror.RESH_METADATA_ERROR,
					"serving graph for %s references missing shard %s", keyspaceID, r.ShardID)
			}
			rebuilt = append(rebuilt, qdb.ShardRange{
				ShardID:    shard.ID,
				LowerBound: shard.LowerBound,
				UpperBound: shard.UpperBound,
			})
		}
		if err := ValidatePartitions(rebuilt); err != nil {
			return nil, err
		}
		next.Partitions[category] = rebuilt
	}

	if err := q.WriteServingGraph(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}
