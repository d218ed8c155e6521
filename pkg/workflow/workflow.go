package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/range-sharding/resharder/pkg/copier"
	"github.com/range-sharding/resharder/pkg/cutover"
	"github.com/range-sharding/resharder/pkg/datastore"
	"github.com/range-sharding/resharder/pkg/differ"
	"github.com/range-sharding/resharder/pkg/models/kr"
	"github.com/range-sharding/resharder/pkg/models/rerror"
	"github.com/range-sharding/resharder/pkg/models/topology"
	"github.com/range-sharding/resharder/pkg/player"
	"github.com/range-sharding/resharder/pkg/reshlog"
	"github.com/range-sharding/resharder/pkg/workflow/statistics"
	"github.com/range-sharding/resharder/qdb"
	"github.com/range-sharding/resharder/qdb/ops"
)

type Config struct {
	Copier  copier.Config
	Player  player.Config
	Differ  differ.Config
	Cutover cutover.Config
}

// Workflow is the typed operation set over the merge pipeline. All
// operations resolve shards through the QDB and stores through the
// datastore registry, so they compose the same way the CLI invokes them.
type Workflow struct {
	qdb     qdb.QDB
	stores  *datastore.Registry
	players *player.Registry
	coord   *cutover.Coordinator
	cfg     Config
}

func NewWorkflow(q qdb.QDB, stores *datastore.Registry, players *player.Registry, cfg Config) *Workflow {
	return &Workflow{
		qdb:     q,
		stores:  stores,
		players: players,
		coord:   cutover.NewCoordinator(q, stores, players, cfg.Cutover),
		cfg:     cfg,
	}
}

func (w *Workflow) Players() *player.Registry {
	return w.players
}

func copyJobID(sourceShardID, destShardID string) string {
	return fmt.Sprintf("copy/%s/%s", sourceShardID, destShardID)
}

func playerID(sourceShardID, destShardID string) string {
	return fmt.Sprintf("player/%s/%s", sourceShardID, destShardID)
}

// BulkCopy copies every row of the source shard that belongs to the
// destination range and returns the snapshot position for the follow-up
// player. The job id is derived from the shard pair so a rerun resumes
// the same checkpointed job.
func (w *Workflow) BulkCopy(ctx context.Context, sourceShardID, destShardID string) (uint64, error) {
	dest, err := w.qdb.GetShard(ctx, destShardID)
	if err != nil {
		return 0, err
	}

	c := copier.NewCopier(w.qdb, w.stores, w.cfg.Copier)
	return c.Run(ctx, &copier.CopyJob{
		ID:            copyJobID(sourceShardID, destShardID),
		SourceShardID: sourceShardID,
		DestShardID:   destShardID,
		DestRange:     kr.KeyRangeFromDB(dest),
	})
}

// StartPlayer launches filtered replication from the source shard into
// the destination shard, starting at startPos for a fresh cursor.
func (w *Workflow) StartPlayer(ctx context.Context, sourceShardID, destShardID string, startPos uint64) (*player.Player, error) {
	dest, err := w.qdb.GetShard(ctx, destShardID)
	if err != nil {
		return nil, err
	}

	p, err := player.NewPlayer(ctx, w.qdb, w.stores, playerID(sourceShardID, destShardID),
		sourceShardID, destShardID, kr.KeyRangeFromDB(dest), startPos, w.cfg.Player)
	if err != nil {
		return nil, err
	}
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	w.players.Register(p)
	return p, nil
}

// RunDiff compares the source shard against the destination inside the
// source's own range, the region both sides must agree on.
func (w *Workflow) RunDiff(ctx context.Context, sourceShardID, destShardID string) (*differ.Report, error) {
	source, err := w.qdb.GetShard(ctx, sourceShardID)
	if err != nil {
		return nil, err
	}

	d := differ.NewDiffer(w.stores, w.cfg.Differ)
	return d.Diff(ctx, sourceShardID, destShardID, kr.KeyRangeFromDB(source))
}

func (w *Workflow) MigrateServingCategory(ctx context.Context, keyspaceID string, category topology.Category, sourceShardIDs []string, destShardID string) error {
	return w.coord.MigrateCategory(ctx, keyspaceID, category, sourceShardIDs, destShardID)
}

// ShardHealth reports every tablet of one shard: serving state from the
// topology, liveness and log position from the shard's store.
func (w *Workflow) ShardHealth(ctx context.Context, shardID string) ([]*topology.TabletHealth, error) {
	tablets, err := w.qdb.ListTablets(ctx, shardID)
	if err != nil {
		return nil, err
	}
	store, err := w.stores.Get(shardID)
	if err != nil {
		return nil, err
	}
	health, err := store.Health(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]*topology.TabletHealth, 0, len(tablets))
	for _, t := range tablets {
		tab := topology.TabletFromDB(t)
		reports = append(reports, &topology.TabletHealth{
			TabletID: tab.ID,
			ShardID:  tab.ShardID,
			Serving:  tab.Serving,
			Healthy:  health.Healthy,
			Position: health.Position,
		})
	}
	return reports, nil
}

// DeleteShard tears one retired shard down: it fails while the shard is
// still serving or still referenced by a live player cursor, then drops
// the shard's tablets and metadata and republishes the serving graph.
func (w *Workflow) DeleteShard(ctx context.Context, shardID string) error {
	shard, err := w.qdb.GetShard(ctx, shardID)
	if err != nil {
		return err
	}

	if graph, err := w.qdb.GetServingGraph(ctx, shard.KeyspaceID); err == nil {
		for category, ranges := range graph.Partitions {
			for _, r := range ranges {
				if r.ShardID == shardID {
					return rerror.Newf(rerror.RESH_PRECONDITION,
						"shard %s is still serving %s", shardID, category)
				}
			}
		}
	}

	cursors, err := w.qdb.ListPlayerCursors(ctx)
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

	tablets, err := w.qdb.ListTablets(ctx, shardID)
	if err != nil {
		return err
	}
	for _, t := range tablets {
		if err := w.qdb.DropTablet(ctx, t.ID); err != nil {
			return err
		}
	}

	if err := ops.DropShardWithChecks(ctx, w.qdb, shardID); err != nil {
		return err
	}
	w.stores.Drop(shardID)

	if _, err := ops.RebuildServingGraph(ctx, w.qdb, shard.KeyspaceID); err != nil {
		return err
	}

	reshlog.Zero.Info().
		Str("shard", shardID).
		Str("keyspace", shard.KeyspaceID).
		Msg("deleted shard")
	return nil
}

// MergeShards runs the whole pipeline: bulk copy and replication from
// every source, convergence wait, per-source consistency checks, the
// three-phase cutover, player drain and source teardown.
func (w *Workflow) MergeShards(ctx context.Context, keyspaceID string, sourceShardIDs []string, destShardID string) error {
	mergeID := uuid.New().String()
	reshlog.Zero.Info().
		Str("merge", mergeID).
		Str("keyspace", keyspaceID).
		Strs("sources", sourceShardIDs).
		Str("destination", destShardID).
		Msg("starting shard merge")

	if err := w.validateMerge(ctx, keyspaceID, sourceShardIDs, destShardID); err != nil {
		return err
	}
	if err := statistics.RecordMergeStart(time.Now()); err != nil {
		return err
	}

	phaseStart := time.Now()
	var mu sync.Mutex
	playersBySource := make(map[string]*player.Player, len(sourceShardIDs))
	group, gctx := errgroup.WithContext(ctx)
	for _, src := range sourceShardIDs {
		src := src
		group.Go(func() error {
			snapshotPos, err := w.BulkCopy(gctx, src, destShardID)
			if err != nil {
				return err
			}
			p, err := w.StartPlayer(ctx, src, destShardID, snapshotPos)
			if err != nil {
				return err
			}
			mu.Lock()
			playersBySource[src] = p
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		// Players started for the sources that did succeed must not
		// outlive the failed merge.
		for src, p := range playersBySource {
			if stopErr := p.Stop(ctx); stopErr != nil {
				reshlog.Zero.Warn().
					Err(stopErr).
					Str("source", src).
					Msg("failed to stop replication player after copy failure")
			}
			w.players.Drop(p.ID())
		}
		return err
	}
	statistics.RecordCopyPhase(time.Since(phaseStart))

	phaseStart = time.Now()
	for _, src := range sourceShardIDs {
		if err := playersBySource[src].WaitCaughtUp(ctx, w.cfg.Player.LagThreshold); err != nil {
			return err
		}
	}
	statistics.RecordCatchupPhase(time.Since(phaseStart))

	phaseStart = time.Now()
	for _, src := range sourceShardIDs {
		report, err := w.RunDiff(ctx, src, destShardID)
		if err != nil {
			return err
		}
		reshlog.Zero.Info().
			Str("merge", mergeID).
			Str("source", src).
			Uint64("matched", report.Matched).
			Msg("source shard verified")
	}
	statistics.RecordDiffPhase(time.Since(phaseStart))

	phaseStart = time.Now()
	for _, category := range topology.MigrationOrder {
		if err := w.MigrateServingCategory(ctx, keyspaceID, category, sourceShardIDs, destShardID); err != nil {
			return err
		}
	}
	statistics.RecordCutoverPhase(time.Since(phaseStart))

	// The fenced sources emit no new mutations; drain the players to
	// their final positions, then retire them.
	for _, src := range sourceShardIDs {
		p := playersBySource[src]
		if err := p.WaitCaughtUp(ctx, 0); err != nil {
			return err
		}
		if err := p.Stop(ctx); err != nil {
			return err
		}
		reshlog.Zero.Info().
			Str("merge", mergeID).
			Str("player", p.ID()).
			Uint64("events", p.Stats.Events.Load()).
			Uint64("skipped", p.Stats.Skipped.Load()).
			Float64("apply latency p99 ms", p.Stats.ApplyLatencyQuantile(0.99)).
			Msg("retired replication player")
		w.players.Drop(p.ID())
	}

	for _, src := range sourceShardIDs {
		if err := w.DeleteShard(ctx, src); err != nil {
			return err
		}
	}

	if err := statistics.RecordMergeFinish(time.Now()); err != nil {
		return err
	}
	reshlog.Zero.Info().
		Str("merge", mergeID).
		Str("destination", destShardID).
		Msg("shard merge finished")
	return nil
}

// validateMerge checks that the sources form an adjacent chain and the
// destination covers exactly their union.
func (w *Workflow) validateMerge(ctx context.Context, keyspaceID string, sourceShardIDs []string, destShardID string) error {
	if len(sourceShardIDs) < 2 {
		return rerror.New(rerror.RESH_PRECONDITION, "merge needs at least two source shards")
	}

	ranges := make([]*kr.KeyRange, 0, len(sourceShardIDs))
	for _, id := range sourceShardIDs {
		shard, err := w.qdb.GetShard(ctx, id)
		if err != nil {
			return err
		}
		if shard.KeyspaceID != keyspaceID {
			return rerror.Newf(rerror.RESH_PRECONDITION,
				"shard %s belongs to keyspace %s", id, shard.KeyspaceID)
		}
		ranges = append(ranges, kr.KeyRangeFromDB(shard))
	}

	sort.Slice(ranges, func(i, j int) bool {
		if len(ranges[i].LowerBound) == 0 {
			return true
		}
		if len(ranges[j].LowerBound) == 0 {
			return false
		}
		return kr.CmpRangesLess(ranges[i].LowerBound, ranges[j].LowerBound)
	})

	union := ranges[0]
	for _, next := range ranges[1:] {
		if !union.AdjacentBelow(next) {
			return rerror.Newf(rerror.RESH_PRECONDITION,
				"source shards %s and %s are not adjacent", union.ShardID, next.ShardID)
		}
		union = union.UnionAdjacent(next)
	}

	dest, err := w.qdb.GetShard(ctx, destShardID)
	if err != nil {
		return err
	}
	if dest.KeyspaceID != keyspaceID {
		return rerror.Newf(rerror.RESH_PRECONDITION,
			"shard %s belongs to keyspace %s", destShardID, dest.KeyspaceID)
	}
	if !kr.CmpRangesEqual(dest.LowerBound, union.LowerBound) ||
		!kr.CmpRangesEqual(dest.UpperBound, union.UpperBound) {
		return rerror.Newf(rerror.RESH_PRECONDITION,
			"destination shard %s does not cover the union of the sources", destShardID)
	}
	return nil
}
