package cutover_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/range-sharding/resharder/pkg/cutover"
	"github.com/range-sharding/resharder/pkg/datastore"
	"github.com/range-sharding/resharder/pkg/models/kr"
	"github.com/range-sharding/resharder/pkg/models/rerror"
	"github.com/range-sharding/resharder/pkg/models/topology"
	"github.com/range-sharding/resharder/pkg/player"
	"github.com/range-sharding/resharder/qdb"
)

func key(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

type fixture struct {
	qdb     *qdb.MemQDB
	stores  *datastore.Registry
	players *player.Registry
	coord   *cutover.Coordinator

	sh1  *datastore.MemStore
	sh2  *datastore.MemStore
	dest *datastore.MemStore
}

// newFixture builds a keyspace mid-merge: sh1 and sh2 still serve every
// category, sh_dest covers their union and has a full tablet set.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	assert := assert.New(t)

	memqdb, err := qdb.NewMemQDB("")
	assert.NoError(err)
	ctx := context.TODO()

	assert.NoError(memqdb.AddKeyspace(ctx, qdb.NewKeyspace("ks", "account_id", "bytes", 2)))
	assert.NoError(memqdb.AddShard(ctx, qdb.NewShard("sh1", "ks", nil, key(100))))
	assert.NoError(memqdb.AddShard(ctx, qdb.NewShard("sh2", "ks", key(100), nil)))
	assert.NoError(memqdb.AddShard(ctx, qdb.NewShard("sh_dest", "ks", nil, nil)))

	for _, shard := range []string{"sh1", "sh2", "sh_dest"} {
		for _, role := range []qdb.TabletRole{qdb.RolePrimary, qdb.RoleReplica, qdb.RoleReadOnly} {
			assert.NoError(memqdb.AddTablet(ctx, &qdb.Tablet{
				ID:      shard + "-" + string(role),
				ShardID: shard,
				Role:    role,
				Serving: shard != "sh_dest",
			}))
		}
	}

	partitions := map[string][]qdb.ShardRange{}
	for _, cat := range topology.MigrationOrder {
		partitions[cat.String()] = []qdb.ShardRange{
			{ShardID: "sh1", UpperBound: key(100)},
			{ShardID: "sh2", LowerBound: key(100)},
		}
	}
	assert.NoError(memqdb.WriteServingGraph(ctx, &qdb.ServingGraph{
		KeyspaceID: "ks",
		Version:    1,
		Partitions: partitions,
	}))

	stores := datastore.NewRegistry()
	f := &fixture{
		qdb:     memqdb,
		stores:  stores,
		players: player.NewRegistry(),
		sh1:     datastore.NewMemStore("accounts"),
		sh2:     datastore.NewMemStore("accounts"),
		dest:    datastore.NewMemStore("accounts"),
	}
	stores.Register("sh1", f.sh1)
	stores.Register("sh2", f.sh2)
	stores.Register("sh_dest", f.dest)

	f.coord = cutover.NewCoordinator(memqdb, stores, f.players, cutover.Config{
		LagThreshold:  0,
		HealthTimeout: 50 * time.Millisecond,
	})
	return f
}

func (f *fixture) migrate(ctx context.Context, cat topology.Category) error {
	return f.coord.MigrateCategory(ctx, "ks", cat, []string{"sh1", "sh2"}, "sh_dest")
}

func TestCutoverFollowsMigrationOrder(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx := context.TODO()

	for _, cat := range topology.MigrationOrder {
		assert.NoError(f.migrate(ctx, cat))

		graph, err := f.qdb.GetServingGraph(ctx, "ks")
		assert.NoError(err)
		assert.Len(graph.Partitions[cat.String()], 1)
		assert.Equal("sh_dest", graph.Partitions[cat.String()][0].ShardID)
	}

	graph, err := f.qdb.GetServingGraph(ctx, "ks")
	assert.NoError(err)
	assert.Equal(uint64(4), graph.Version)
}

func TestCutoverRejectsOutOfOrderPrimary(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx := context.TODO()

	err := f.migrate(ctx, topology.CategoryPrimary)
	assert.Error(err)
	assert.Equal(rerror.RESH_PRECONDITION, rerror.ErrorCode(err))

	assert.NoError(f.migrate(ctx, topology.CategoryReadOnly))
	err = f.migrate(ctx, topology.CategoryPrimary)
	assert.Error(err)
	assert.Equal(rerror.RESH_PRECONDITION, rerror.ErrorCode(err))
}

func TestCutoverPrimaryFencesSourceWrites(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx := context.TODO()

	for _, cat := range topology.MigrationOrder {
		assert.NoError(f.migrate(ctx, cat))
	}

	err := f.sh1.Write(ctx, []datastore.Mutation{{
		Table: "accounts",
		Op:    datastore.OpUpsert,
		PK:    key(1),
	}})
	assert.Error(err)
	assert.Equal(rerror.RESH_STOPPED, rerror.ErrorCode(err))

	// The replication path stays open after fencing.
	assert.NoError(f.sh1.Apply(ctx, []datastore.Mutation{{
		Table: "accounts",
		Op:    datastore.OpUpsert,
		PK:    key(1),
	}}))
}

func TestCutoverRequiresHealthyDest(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx := context.TODO()

	f.dest.SetHealthy(false)
	err := f.migrate(ctx, topology.CategoryReadOnly)
	assert.Error(err)
	assert.Equal(rerror.RESH_PRECONDITION, rerror.ErrorCode(err))

	f.dest.SetHealthy(true)
	assert.NoError(f.migrate(ctx, topology.CategoryReadOnly))
}

func TestCutoverRequiresCaughtUpPlayers(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx := context.TODO()

	assert.NoError(f.sh1.Write(ctx, []datastore.Mutation{{
		Table: "accounts",
		Op:    datastore.OpUpsert,
		PK:    key(1),
	}}))

	p, err := player.NewPlayer(ctx, f.qdb, f.stores, "p1", "sh1", "sh_dest", &kr.KeyRange{}, 0, player.Config{})
	assert.NoError(err)
	f.players.Register(p)

	// The player has not applied anything: lag 1 blocks the migration.
	err = f.migrate(ctx, topology.CategoryReadOnly)
	assert.Error(err)
	assert.Equal(rerror.RESH_PRECONDITION, rerror.ErrorCode(err))

	// A stopped player no longer gates.
	assert.NoError(p.Stop(ctx))
	assert.NoError(f.migrate(ctx, topology.CategoryReadOnly))
}

func TestCutoverRequiresDestTablet(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx := context.TODO()

	assert.NoError(f.qdb.DropTablet(ctx, "sh_dest-RDONLY"))

	err := f.migrate(ctx, topology.CategoryReadOnly)
	assert.Error(err)
	assert.Equal(rerror.RESH_PRECONDITION, rerror.ErrorCode(err))
}

func TestCutoverFlipsTabletServing(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx := context.TODO()

	assert.NoError(f.migrate(ctx, topology.CategoryReadOnly))

	destTablet, err := f.qdb.GetTablet(ctx, "sh_dest-RDONLY")
	assert.NoError(err)
	assert.True(destTablet.Serving)

	srcTablet, err := f.qdb.GetTablet(ctx, "sh1-RDONLY")
	assert.NoError(err)
	assert.False(srcTablet.Serving)

	// Other categories are untouched.
	srcPrimary, err := f.qdb.GetTablet(ctx, "sh1-PRIMARY")
	assert.NoError(err)
	assert.True(srcPrimary.Serving)
}


// tabletWriteFailQDB rejects tablet updates for one shard.
type tabletWriteFailQDB struct {
	qdb.QDB
	failShard string
}

func (q *tabletWriteFailQDB) UpdateTablet(ctx context.Context, t *qdb.Tablet) error {
	if t.ShardID == q.failShard {
		return rerror.Newf(rerror.RESH_TRANSIENT, "etcd unavailable")
	}
	return q.QDB.UpdateTablet(ctx, t)
}

func TestCutoverReportsPartialFlip(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx := context.TODO()

	flaky := &tabletWriteFailQDB{QDB: f.qdb, failShard: "sh1"}
	coord := cutover.NewCoordinator(flaky, f.stores, f.players, cutover.Config{
		LagThreshold:  0,
		HealthTimeout: 50 * time.Millisecond,
	})

	err := coord.MigrateCategory(ctx, "ks", topology.CategoryReadOnly, []string{"sh1", "sh2"}, "sh_dest")
	assert.Error(err)
	assert.Equal(rerror.RESH_METADATA_ERROR, rerror.ErrorCode(err))

	// The graph already routes to the destination; the error names the
	// shard left with stale serving tablets.
	graph, gerr := f.qdb.GetServingGraph(ctx, "ks")
	assert.NoError(gerr)
	ranges := graph.Partitions[topology.CategoryReadOnly.String()]
	assert.Len(ranges, 1)
	assert.Equal("sh_dest", ranges[0].ShardID)

	// Destination tablets flipped before the publish.
	destTablet, terr := f.qdb.GetTablet(ctx, "sh_dest-RDONLY")
	assert.NoError(terr)
	assert.True(destTablet.Serving)
}
