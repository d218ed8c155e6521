package qdb

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/range-sharding/resharder/pkg/models/rerror"
	"github.com/range-sharding/resharder/pkg/reshlog"
)

type MemQDB struct {
	mu sync.RWMutex

	Keyspaces     map[string]*Keyspace     `json:"keyspaces"`
	Shards        map[string]*Shard        `json:"shards"`
	Tablets       map[string]*Tablet       `json:"tablets"`
	ServingGraphs map[string]*ServingGraph `json:"serving_graphs"`
	PlayerCursors map[string]*PlayerCursor `json:"player_cursors"`
	CopyStates    map[string]*CopyState    `json:"copy_states"`

	watchers map[string][]chan *ServingGraph

	backupPath string
}

var _ QDB = &MemQDB{}

func NewMemQDB(backupPath string) (*MemQDB, error) {
	return &MemQDB{
		Keyspaces:     map[string]*Keyspace{},
		Shards:        map[string]*Shard{},
		Tablets:       map[string]*Tablet{},
		ServingGraphs: map[string]*ServingGraph{},
		PlayerCursors: map[string]*PlayerCursor{},
		CopyStates:    map[string]*CopyState{},

		watchers: map[string][]chan *ServingGraph{},

		backupPath: backupPath,
	}, nil
}

// RestoreQDB loads a MemQDB from its JSON backup so player cursors and
// copy checkpoints survive process restarts.
func RestoreQDB(backupPath string) (*MemQDB, error) {
	qdb, err := NewMemQDB(backupPath)
	if err != nil {
		return nil, err
	}
	if backupPath == "" {
		return qdb, nil
	}
	if _, err := os.Stat(backupPath); err != nil {
		reshlog.Zero.Info().Err(err).Msg("memqdb backup file not exists. Creating new one.")
		f, err := os.Create(backupPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return qdb, nil
	}
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, qdb); err != nil {
		return nil, err
	}
	return qdb, nil
}

func (q *MemQDB) DumpState() error {
	if q.backupPath == "" {
		return nil
	}
	tmpPath := q.backupPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	state, err := json.MarshalIndent(q, "", "	")
	if err != nil {
		return err
	}

	_, err = f.Write(state)
	if err != nil {
		return err
	}
	f.Close()

	return os.Rename(tmpPath, q.backupPath)
}

// ==============================================================================
//                                 KEYSPACES
// ==============================================================================

func (q *MemQDB) AddKeyspace(ctx context.Context, ks *Keyspace) error {
	reshlog.Zero.Debug().Interface("keyspace", ks).Msg("memqdb: add keyspace")
	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewUpdateCommand(q.Keyspaces, ks.ID, ks))
}

func (q *MemQDB) GetKeyspace(ctx context.Context, id string) (*Keyspace, error) {
	reshlog.Zero.Debug().Str("keyspace", id).Msg("memqdb: get keyspace")
	q.mu.RLock()
	defer q.mu.RUnlock()

	ks, ok := q.Keyspaces[id]
	if !ok {
		return nil, rerror.Newf(rerror.RESH_NOT_FOUND, "there is no keyspace %s", id)
	}
	return ks, nil
}

func (q *MemQDB) ListKeyspaces(ctx context.Context) ([]*Keyspace, error) {
	reshlog.Zero.Debug().Msg("memqdb: list keyspaces")
	q.mu.RLock()
	defer q.mu.RUnlock()

	var ret []*Keyspace
	for _, v := range q.Keyspaces {
		ret = append(ret, v)
	}

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].ID < ret[j].ID
	})

	return ret, nil
}

func (q *MemQDB) DropKeyspace(ctx context.Context, id string) error {
	reshlog.Zero.Debug().Str("keyspace", id).Msg("memqdb: drop keyspace")
	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewDeleteCommand(q.Keyspaces, id),
		NewDeleteCommand(q.ServingGraphs, id))
}

// ==============================================================================
//                                   SHARDS
// ==============================================================================

func (q *MemQDB) AddShard(ctx context.Context, shard *Shard) error {
	reshlog.Zero.Debug().Interface("shard", shard).Msg("memqdb: add shard")
	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewUpdateCommand(q.Shards, shard.ID, shard))
}

func (q *MemQDB) GetShard(ctx context.Context, id string) (*Shard, error) {
	reshlog.Zero.Debug().Str("shard", id).Msg("memqdb: get shard")
	q.mu.RLock()
	defer q.mu.RUnlock()

	shard, ok := q.Shards[id]
	if !ok {
		return nil, rerror.Newf(rerror.RESH_NOT_FOUND, "unknown shard %s", id)
	}
	return shard, nil
}

func (q *MemQDB) ListShards(ctx context.Context, keyspaceID string) ([]*Shard, error) {
	reshlog.Zero.Debug().Str("keyspace", keyspaceID).Msg("memqdb: list shards")
	q.mu.RLock()
	defer q.mu.RUnlock()

	var ret []*Shard
	for _, v := range q.Shards {
		if keyspaceID != "" && v.KeyspaceID != keyspaceID {
			continue
		}
		ret = append(ret, v)
	}

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].ID < ret[j].ID
	})

	return ret, nil
}

func (q *MemQDB) DropShard(ctx context.Context, id string) error {
	reshlog.Zero.Debug().Str("shard", id).Msg("memqdb: drop shard")
	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewDeleteCommand(q.Shards, id))
}

// ==============================================================================
//                                  TABLETS
// ==============================================================================

func (q *MemQDB) AddTablet(ctx context.Context, tablet *Tablet) error {
	reshlog.Zero.Debug().Interface("tablet", tablet).Msg("memqdb: add tablet")
	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewUpdateCommand(q.Tablets, tablet.ID, tablet))
}

func (q *MemQDB) GetTablet(ctx context.Context, id string) (*Tablet, error) {
	reshlog.Zero.Debug().Str("tablet", id).Msg("memqdb: get tablet")
	q.mu.RLock()
	defer q.mu.RUnlock()

	tablet, ok := q.Tablets[id]
	if !ok {
		return nil, rerror.Newf(rerror.RESH_NOT_FOUND, "unknown tablet %s", id)
	}
	return tablet, nil
}

func (q *MemQDB) UpdateTablet(ctx context.Context, tablet *Tablet) error {
	reshlog.Zero.Debug().Interface("tablet", tablet).Msg("memqdb: update tablet")
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.Tablets[tablet.ID]; !ok {
		return rerror.Newf(rerror.RESH_NOT_FOUND, "unknown tablet %s", tablet.ID)
	}
	return ExecuteCommands(q.DumpState, NewUpdateCommand(q.Tablets, tablet.ID, tablet))
}

func (q *MemQDB) ListTablets(ctx context.Context, shardID string) ([]*Tablet, error) {
	reshlog.Zero.Debug().Str("shard", shardID).Msg("memqdb: list tablets")
	q.mu.RLock()
	defer q.mu.RUnlock()

	var ret []*Tablet
	for _, v := range q.Tablets {
		if shardID != "" && v.ShardID != shardID {
			continue
		}
		ret = append(ret, v)
	}

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].ID < ret[j].ID
	})

	return ret, nil
}

func (q *MemQDB) DropTablet(ctx context.Context, id string) error {
	reshlog.Zero.Debug().Str("tablet", id).Msg("memqdb: drop tablet")
	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewDeleteCommand(q.Tablets, id))
}

// ==============================================================================
//                               SERVING GRAPH
// ==============================================================================

func (q *MemQDB) GetServingGraph(ctx context.Context, keyspaceID string) (*ServingGraph, error) {
	reshlog.Zero.Debug().Str("keyspace", keyspaceID).Msg("memqdb: get serving graph")
	q.mu.RLock()
	defer q.mu.RUnlock()

	graph, ok := q.ServingGraphs[keyspaceID]
	if !ok {
		return nil, rerror.Newf(rerror.RESH_NOT_FOUND, "no serving graph for keyspace %s", keyspaceID)
	}
	return graph, nil
}

func (q *MemQDB) WriteServingGraph(ctx context.Context, graph *ServingGraph) error {
	reshlog.Zero.Debug().
		Str("keyspace", graph.KeyspaceID).
		Uint64("version", graph.Version).
		Msg("memqdb: write serving graph")
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := ExecuteCommands(q.DumpState,
		NewUpdateCommand(q.ServingGraphs, graph.KeyspaceID, graph)); err != nil {
		return err
	}

	for _, ch := range q.watchers[graph.KeyspaceID] {
		select {
		case ch <- graph:
		default:
		}
	}
	return nil
}

func (q *MemQDB) WatchServingGraph(ctx context.Context, keyspaceID string) (<-chan *ServingGraph, error) {
	reshlog.Zero.Debug().Str("keyspace", keyspaceID).Msg("memqdb: watch serving graph")
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *ServingGraph, 16)
	q.watchers[keyspaceID] = append(q.watchers[keyspaceID], ch)

	go func() {
		<-ctx.Done()
		q.mu.Lock()
		defer q.mu.Unlock()
		chans := q.watchers[keyspaceID]
		for i, c := range chans {
			if c == ch {
				q.watchers[keyspaceID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

// ==============================================================================
//                               PLAYER CURSORS
// ==============================================================================

func (q *MemQDB) WritePlayerCursor(ctx context.Context, cursor *PlayerCursor) error {
	reshlog.Zero.Debug().
		Str("cursor", cursor.ID).
		Uint64("position", cursor.Position).
		Msg("memqdb: write player cursor")
	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewUpdateCommand(q.PlayerCursors, cursor.ID, cursor))
}

func (q *MemQDB) GetPlayerCursor(ctx context.Context, id string) (*PlayerCursor, error) {
	reshlog.Zero.Debug().Str("cursor", id).Msg("memqdb: get player cursor")
	q.mu.RLock()
	defer q.mu.RUnlock()

	cursor, ok := q.PlayerCursors[id]
	if !ok {
		return nil, rerror.Newf(rerror.RESH_NOT_FOUND, "no player cursor %s", id)
	}
	return cursor, nil
}

func (q *MemQDB) ListPlayerCursors(ctx context.Context) ([]*PlayerCursor, error) {
	reshlog.Zero.Debug().Msg("memqdb: list player cursors")
	q.mu.RLock()
	defer q.mu.RUnlock()

	var ret []*PlayerCursor
	for _, v := range q.PlayerCursors {
		ret = append(ret, v)
	}

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].ID < ret[j].ID
	})

	return ret, nil
}

func (q *MemQDB) DropPlayerCursor(ctx context.Context, id string) error {
	reshlog.Zero.Debug().Str("cursor", id).Msg("memqdb: drop player cursor")
	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewDeleteCommand(q.PlayerCursors, id))
}

// ==============================================================================
//                                COPY STATES
// ==============================================================================

func (q *MemQDB) WriteCopyState(ctx context.Context, state *CopyState) error {
	reshlog.Zero.Debug().Str("job", state.JobID).Msg("memqdb: write copy state")
	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewUpdateCommand(q.CopyStates, state.JobID, state))
}

func (q *MemQDB) GetCopyState(ctx context.Context, jobID string) (*CopyState, error) {
	reshlog.Zero.Debug().Str("job", jobID).Msg("memqdb: get copy state")
	q.mu.RLock()
	defer q.mu.RUnlock()

	state, ok := q.CopyStates[jobID]
	if !ok {
		return nil, rerror.Newf(rerror.RESH_NOT_FOUND, "no copy state for job %s", jobID)
	}
	return state, nil
}

func (q *MemQDB) DropCopyState(ctx context.Context, jobID string) error {
	reshlog.Zero.Debug().Str("job", jobID).Msg("memqdb: drop copy state")
	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewDeleteCommand(q.CopyStates, jobID))
}
