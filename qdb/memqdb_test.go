package qdb_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/range-sharding/resharder/qdb"
)

var mockKeyspace *qdb.Keyspace = &qdb.Keyspace{
	ID:             "keyspace_id",
	ShardingColumn: "account_id",
	ColType:        "bytes",
}
var mockShard *qdb.Shard = &qdb.Shard{
	ID:         "shard_id",
	KeyspaceID: mockKeyspace.ID,
	LowerBound: []byte{1, 2},
	UpperBound: []byte{3, 4},
}
var mockTablet *qdb.Tablet = &qdb.Tablet{
	ID:      "tablet_id",
	ShardID: mockShard.ID,
	Role:    qdb.RolePrimary,
}
var mockServingGraph *qdb.ServingGraph = &qdb.ServingGraph{
	KeyspaceID: mockKeyspace.ID,
	Version:    1,
	Partitions: map[string][]qdb.ShardRange{
		"primary": {{ShardID: mockShard.ID}},
	},
}
var mockPlayerCursor *qdb.PlayerCursor = &qdb.PlayerCursor{
	ID:            "cursor_id",
	SourceShardID: mockShard.ID,
	DestShardID:   "dest_shard_id",
	Position:      7,
	State:         qdb.PlayerCatchingUp,
}
var mockCopyState *qdb.CopyState = &qdb.CopyState{
	JobID:         "job_id",
	SourceShardID: mockShard.ID,
	DestShardID:   "dest_shard_id",
	SnapshotPos:   3,
	Tables: map[string]*qdb.TableCopyState{
		"accounts": {LastPK: []byte{1}, Done: false},
	},
}

// must run with -race
func TestMemqdbRacing(t *testing.T) {
	assert := assert.New(t)

	memqdb, err := qdb.RestoreQDB(filepath.Join(t.TempDir(), "memqdb.json"))
	assert.NoError(err)

	var wg sync.WaitGroup
	ctx := context.TODO()

	methods := []func(){
		func() { _ = memqdb.AddKeyspace(ctx, mockKeyspace) },
		func() { _ = memqdb.AddShard(ctx, mockShard) },
		func() { _ = memqdb.AddTablet(ctx, mockTablet) },
		func() { _ = memqdb.WriteServingGraph(ctx, mockServingGraph) },
		func() { _ = memqdb.WritePlayerCursor(ctx, mockPlayerCursor) },
		func() { _ = memqdb.WriteCopyState(ctx, mockCopyState) },
		func() { _, _ = memqdb.ListKeyspaces(ctx) },
		func() { _, _ = memqdb.ListShards(ctx, mockKeyspace.ID) },
		func() { _, _ = memqdb.ListTablets(ctx, mockShard.ID) },
		func() { _, _ = memqdb.ListPlayerCursors(ctx) },
		func() { _, _ = memqdb.GetKeyspace(ctx, mockKeyspace.ID) },
		func() { _, _ = memqdb.GetShard(ctx, mockShard.ID) },
		func() { _, _ = memqdb.GetTablet(ctx, mockTablet.ID) },
		func() { _, _ = memqdb.GetServingGraph(ctx, mockKeyspace.ID) },
		func() { _, _ = memqdb.GetPlayerCursor(ctx, mockPlayerCursor.ID) },
		func() { _, _ = memqdb.GetCopyState(ctx, mockCopyState.JobID) },
		func() { _ = memqdb.UpdateTablet(ctx, mockTablet) },
		func() { _ = memqdb.DropPlayerCursor(ctx, mockPlayerCursor.ID) },
		func() { _ = memqdb.DropCopyState(ctx, mockCopyState.JobID) },
		func() { _ = memqdb.DropTablet(ctx, mockTablet.ID) },
		func() { _ = memqdb.DropShard(ctx, mockShard.ID) },
		func() { _ = memqdb.DropKeyspace(ctx, mockKeyspace.ID) },
	}
	for i := 0; i < 10; i++ {
		for _, m := range methods {
			wg.Add(1)
			go func(m func()) {
				m()
				wg.Done()
			}(m)
		}
		wg.Wait()
	}
	wg.Wait()
}

func TestMemqdbBackupRoundTrip(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	backup := filepath.Join(t.TempDir(), "memqdb.json")

	memqdb, err := qdb.RestoreQDB(backup)
	assert.NoError(err)

	assert.NoError(memqdb.AddKeyspace(ctx, mockKeyspace))
	assert.NoError(memqdb.AddShard(ctx, mockShard))
	assert.NoError(memqdb.WritePlayerCursor(ctx, mockPlayerCursor))
	assert.NoError(memqdb.WriteCopyState(ctx, mockCopyState))

	restored, err := qdb.RestoreQDB(backup)
	assert.NoError(err)

	shard, err := restored.GetShard(ctx, mockShard.ID)
	assert.NoError(err)
	assert.Equal(mockShard.LowerBound, shard.LowerBound)

	cursor, err := restored.GetPlayerCursor(ctx, mockPlayerCursor.ID)
	assert.NoError(err)
	assert.Equal(uint64(7), cursor.Position)
	assert.Equal(qdb.PlayerCatchingUp, cursor.State)

	state, err := restored.GetCopyState(ctx, mockCopyState.JobID)
	assert.NoError(err)
	assert.Equal(uint64(3), state.SnapshotPos)
	assert.False(state.Tables["accounts"].Done)
}

func TestMemqdbWatchServingGraph(t *testing.T) {
	assert := assert.New(t)

	memqdb, err := qdb.NewMemQDB("")
	assert.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := memqdb.WatchServingGraph(ctx, mockKeyspace.ID)
	assert.NoError(err)

	assert.NoError(memqdb.WriteServingGraph(ctx, mockServingGraph))

	graph := <-ch
	assert.Equal(uint64(1), graph.Version)
	assert.Len(graph.Partitions["primary"], 1)
}

func TestMemqdbNotFound(t *testing.T) {
	assert := assert.New(t)

	memqdb, err := qdb.NewMemQDB("")
	assert.NoError(err)
	ctx := context.TODO()

	_, err = memqdb.GetShard(ctx, "missing")
	assert.Error(err)
	_, err = memqdb.GetPlayerCursor(ctx, "missing")
	assert.Error(err)
	_, err = memqdb.GetCopyState(ctx, "missing")
	assert.Error(err)
	_, err = memqdb.GetServingGraph(ctx, "missing")
	assert.Error(err)
}

func TestMemqdbRestoreMissingFileCreatesEmpty(t *testing.T) {
	assert := assert.New(t)

	backup := filepath.Join(t.TempDir(), "fresh.json")
	memqdb, err := qdb.RestoreQDB(backup)
	assert.NoError(err)

	keyspaces, err := memqdb.ListKeyspaces(context.TODO())
	assert.NoError(err)
	assert.Empty(keyspaces)

	_, err = os.Stat(backup)
	assert.NoError(err)
}
