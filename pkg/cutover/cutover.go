package cutover

import (
	"context"
	"sync"
	"time"

	"github.com/range-sharding/resharder/pkg/datastore"
	"github.com/range-sharding/resharder/pkg/models/rerror"
	"github.com/range-sharding/resharder/pkg/models/topology"
	"github.com/range-sharding/resharder/pkg/player"
	"github.com/range-sharding/resharder/pkg/reshlog"
	"github.com/range-sharding/resharder/qdb"
	"github.com/range-sharding/resharder/qdb/ops"
)

type Config struct {
	LagThreshold  uint64
	HealthTimeout time.Duration
}

// Coordinator serializes traffic migrations per keyspace and enforces
// the rdonly, replica, primary order. Each call moves exactly one
// category; the primary step additionally fences writes on the sources.
type Coordinator struct {
	qdb     qdb.QDB
	stores  *datastore.Registry
	players *player.Registry
	cfg     Config

	mu        sync.Mutex
	keyspaces map[string]*sync.Mutex
}

func NewCoordinator(q qdb.QDB, stores *datastore.Registry, players *player.Registry, cfg Config) *Coordinator {
	if cfg.LagThreshold == 0 {
		cfg.LagThreshold = 10
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 30 * time.Second
	}
	return &Coordinator{
		qdb:       q,
		stores:    stores,
		players:   players,
		cfg:       cfg,
		keyspaces: map[string]*sync.Mutex{},
	}
}

func (c *Coordinator) keyspaceLock(keyspaceID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.keyspaces[keyspaceID]
	if !ok {
		lock = &sync.Mutex{}
		c.keyspaces[keyspaceID] = lock
	}
	return lock
}

// MigrateCategory moves one traffic category for the given key range
// from the source shards to the destination shard. The serving graph is
// published atomically: a category is served either entirely by the
// sources or entirely by the destination.
func (c *Coordinator) MigrateCategory(ctx context.Context, keyspaceID string, category topology.Category, sourceShardIDs []string, destShardID string) error {
	lock := c.keyspaceLock(keyspaceID)
	lock.Lock()
	defer lock.Unlock()

	graph, err := c.qdb.GetServingGraph(ctx, keyspaceID)
	if err != nil {
		return err
	}

	if err := c.checkOrder(graph, category, destShardID); err != nil {
		return err
	}
	if err := c.checkDestTablets(ctx, category, destShardID); err != nil {
		return err
	}
	if err := c.checkDestHealth(ctx, destShardID); err != nil {
		return err
	}
	if err := c.checkPlayerLag(ctx, destShardID); err != nil {
		return err
	}

	dest, err := c.qdb.GetShard(ctx, destShardID)
	if err != nil {
		return err
	}

	next, err := ops.ReplaceServing(graph, category.String(), sourceShardIDs, qdb.ShardRange{
		ShardID:    dest.ID,
		LowerBound: dest.LowerBound,
		UpperBound: dest.UpperBound,
	})
	if err != nil {
		return err
	}

	// Destination tablets must be serving before the graph routes to
	// them; source tablets flip off only after the graph no longer
	// routes to them.
	if err := c.setTabletServing(ctx, category, destShardID, true); err != nil {
		return err
	}
	if err := c.qdb.WriteServingGraph(ctx, next); err != nil {
		return err
	}
	for _, src := range sourceShardIDs {
		if err := c.setTabletServing(ctx, category, src, false); err != nil {
			return rerror.Newf(rerror.RESH_METADATA_ERROR,
				"serving graph v%d published but source shard %s keeps stale serving tablets: %v",
				next.Version, src, err)
		}
	}

	if category == topology.CategoryPrimary {
		c.fenceSources(sourceShardIDs)
	}

	reshlog.Zero.Info().
		Str("keyspace", keyspaceID).
		Str("category", category.String()).
		Strs("sources", sourceShardIDs).
		Str("destination", destShardID).
		Uint64("graph version", next.Version).
		Msg("migrated serving category")

	return nil
}

// checkOrder rejects out-of-order migrations: every category earlier in
// the migration order must already be served by the destination.
func (c *Coordinator) checkOrder(graph *qdb.ServingGraph, category topology.Category, destShardID string) error {
	for _, earlier := range topology.MigrationOrder {
		if earlier == category {
			return nil
		}
		if !servesCategory(graph, earlier.String(), destShardID) {
			return rerror.Newf(rerror.RESH_PRECONDITION,
				"cannot migrate %s before %s is served by %s", category, earlier, destShardID)
		}
	}
	return rerror.Newf(rerror.RESH_PRECONDITION, "unknown serving category %q", category)
}

func servesCategory(graph *qdb.ServingGraph, category, shardID string) bool {
	for _, r := range graph.Partitions[category] {
		if r.ShardID == shardID {
			return true
		}
	}
	return false
}

func (c *Coordinator) checkDestTablets(ctx context.Context, category topology.Category, destShardID string) error {
	tablets, err := c.qdb.ListTablets(ctx, destShardID)
	if err != nil {
		return err
	}
	for _, t := range tablets {
		if topology.TabletFromDB(t).Role.Category() == category {
			return nil
		}
	}
	return rerror.Newf(rerror.RESH_PRECONDITION,
		"destination shard %s has no %s tablet", destShardID, category)
}

func (c *Coordinator) checkDestHealth(ctx context.Context, destShardID string) error {
	store, err := c.stores.Get(destShardID)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.HealthTimeout)
	for {
		health, err := store.Health(ctx)
		if err == nil && health.Healthy {
			return nil
		}
		if time.Now().After(deadline) {
			return rerror.Newf(rerror.RESH_PRECONDITION,
				"destination shard %s is not healthy", destShardID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *Coordinator) checkPlayerLag(ctx context.Context, destShardID string) error {
	for _, p := range c.players.ListByDest(destShardID) {
		if p.State() == qdb.PlayerStopped {
			continue
		}
		if err := p.Err(); err != nil {
			return err
		}
		lag, err := p.Lag(ctx)
		if err != nil {
			return err
		}
		if lag > c.cfg.LagThreshold {
			return rerror.Newf(rerror.RESH_PRECONDITION,
				"player %s lag %d above threshold %d", p.ID(), lag, c.cfg.LagThreshold)
		}
	}
	return nil
}

func (c *Coordinator) setTabletServing(ctx context.Context, category topology.Category, shardID string, serving bool) error {
	tablets, err := c.qdb.ListTablets(ctx, shardID)
	if err != nil {
		return err
	}
	for _, t := range tablets {
		if topology.TabletFromDB(t).Role.Category() != category {
			continue
		}
		t.Serving = serving
		if err := c.qdb.UpdateTablet(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// fenceSources stops client writes on the former owners. Replication
// applies are not affected.
func (c *Coordinator) fenceSources(sourceShardIDs []string) {
	for _, src := range sourceShardIDs {
		store, err := c.stores.Get(src)
		if err != nil {
			reshlog.Zero.Warn().
				Err(err).
				Str("shard", src).
				Msg("cannot fence writes on source shard")
			continue
		}
		store.SetAcceptingWrites(false)
		reshlog.Zero.Info().
			Str("shard", src).
			Msg("fenced writes on source shard")
	}
}
