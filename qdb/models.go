package qdb

type TabletRole string

const (
	RolePrimary  = TabletRole("PRIMARY")
	RoleReplica  = TabletRole("REPLICA")
	RoleReadOnly = TabletRole("RDONLY")
)

type Keyspace struct {
	ID             string `json:"id"`
	ShardingColumn string `json:"sharding_column"`
	ColType        string `json:"col_type"`
	ShardCountHint int    `json:"shard_count_hint"`
}

func NewKeyspace(id, shardingColumn, colType string, countHint int) *Keyspace {
	return &Keyspace{
		ID:             id,
		ShardingColumn: shardingColumn,
		ColType:        colType,
		ShardCountHint: countHint,
	}
}

// Shard owns the half-open key range [LowerBound, UpperBound). Zero-length
// bounds mean the range is unbounded on that end.
type Shard struct {
	ID         string `json:"id"`
	KeyspaceID string `json:"keyspace_id"`
	LowerBound []byte `json:"from"`
	UpperBound []byte `json:"to"`
}

func NewShard(id, keyspaceID string, lower, upper []byte) *Shard {
	return &Shard{
		ID:         id,
		KeyspaceID: keyspaceID,
		LowerBound: lower,
		UpperBound: upper,
	}
}

type Tablet struct {
	ID      string     `json:"id"`
	ShardID string     `json:"shard_id"`
	Role    TabletRole `json:"role"`
	Serving bool       `json:"serving"`
}

// ShardRange is one serving-graph entry: a key range authorized to serve
// one category of traffic.
type ShardRange struct {
	ShardID    string `json:"shard_id"`
	LowerBound []byte `json:"from"`
	UpperBound []byte `json:"to"`
}

// ServingGraph maps serving category -> ordered, non-overlapping shard
// ranges. It is the single routing source of truth for a keyspace and is
// versioned so watchers can tell stale snapshots apart.
type ServingGraph struct {
	KeyspaceID string                  `json:"keyspace_id"`
	Version    uint64                  `json:"version"`
	Partitions map[string][]ShardRange `json:"partitions"`
}

type PlayerState string

const (
	PlayerInitializing = PlayerState("INITIALIZING")
	PlayerCatchingUp   = PlayerState("CATCHING_UP")
	PlayerRunning      = PlayerState("RUNNING")
	PlayerHalted       = PlayerState("HALTED")
	PlayerStopped      = PlayerState("STOPPED")
)

// PlayerCursor is the durable resume point of one replication player:
// everything at or below Position has been either applied to the
// destination or deliberately skipped by the key-range filter.
type PlayerCursor struct {
	ID            string      `json:"id"`
	SourceShardID string      `json:"source_shard_id"`
	DestShardID   string      `json:"dest_shard_id"`
	LowerBound    []byte      `json:"from"`
	UpperBound    []byte      `json:"to"`
	Position      uint64      `json:"position"`
	State         PlayerState `json:"state"`
}

type TableCopyState struct {
	LastPK []byte `json:"last_pk"`
	Done   bool   `json:"done"`
}

// CopyState checkpoints a bulk-copy job. SnapshotPos is the source log
// position captured before the first chunk read; the player for this
// source must start exactly there.
type CopyState struct {
	JobID         string                     `json:"job_id"`
	SourceShardID string                     `json:"source_shard_id"`
	DestShardID   string                     `json:"dest_shard_id"`
	SnapshotPos   uint64                     `json:"snapshot_pos"`
	Tables        map[string]*TableCopyState `json:"tables"`
}
