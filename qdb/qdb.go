package qdb

import (
	"context"
	"fmt"
)

// QDB is the authoritative topology store. All mutations for one keyspace
// are total-ordered; readers observe consistent snapshots.
type QDB interface {
	AddKeyspace(ctx context.Context, ks *Keyspace) error
	GetKeyspace(ctx context.Context, id string) (*Keyspace, error)
	ListKeyspaces(ctx context.Context) ([]*Keyspace, error)
	DropKeyspace(ctx context.Context, id string) error

	AddShard(ctx context.Context, shard *Shard) error
	GetShard(ctx context.Context, id string) (*Shard, error)
	ListShards(ctx context.Context, keyspaceID string) ([]*Shard, error)
	DropShard(ctx context.Context, id string) error

	AddTablet(ctx context.Context, tablet *Tablet) error
	GetTablet(ctx context.Context, id string) (*Tablet, error)
	UpdateTablet(ctx context.Context, tablet *Tablet) error
	ListTablets(ctx context.Context, shardID string) ([]*Tablet, error)
	DropTablet(ctx context.Context, id string) error

	GetServingGraph(ctx context.Context, keyspaceID string) (*ServingGraph, error)
	WriteServingGraph(ctx context.Context, graph *ServingGraph) error
	WatchServingGraph(ctx context.Context, keyspaceID string) (<-chan *ServingGraph, error)

	WritePlayerCursor(ctx context.Context, cursor *PlayerCursor) error
	GetPlayerCursor(ctx context.Context, id string) (*PlayerCursor, error)
	ListPlayerCursors(ctx context.Context) ([]*PlayerCursor, error)
	DropPlayerCursor(ctx context.Context, id string) error

	WriteCopyState(ctx context.Context, state *CopyState) error
	GetCopyState(ctx context.Context, jobID string) (*CopyState, error)
	DropCopyState(ctx context.Context, jobID string) error
}

func NewQDB(qdbType, addr string) (QDB, error) {
	switch qdbType {
	case "etcd":
		return NewEtcdQDB(addr)
	case "mem":
		return NewMemQDB("")
	default:
		return nil, fmt.Errorf("qdb implementation %s is invalid", qdbType)
	}
}
