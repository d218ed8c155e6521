package qdb

import (
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/sethvargo/go-retry"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"

	"github.com/range-sharding/resharder/pkg/models/rerror"
	"github.com/range-sharding/resharder/pkg/reshlog"
)

type EtcdQDB struct {
	cli *clientv3.Client
}

var _ QDB = &EtcdQDB{}

func NewEtcdQDB(addr string) (*EtcdQDB, error) {
	cli, err := clientv3.New(clientv3.Config{
		DialOptions: []grpc.DialOption{
			// TODO: support TLS
			grpc.WithInsecure(),
		},
		Endpoints: []string{addr},
	})
	if err != nil {
		reshlog.Zero.Error().
			Err(err).
			Str("address", addr).
			Msg("error while creating etcd client")
		return nil, err
	}

	return &EtcdQDB{
		cli: cli,
	}, nil
}

const (
	keyspaceNamespace     = "/keyspaces/"
	shardNamespace        = "/shards/"
	tabletNamespace       = "/tablets/"
	servingGraphNamespace = "/serving_graphs/"
	playerCursorNamespace = "/player_cursors/"
	copyStateNamespace    = "/copy_states/"
)

func keyspaceNodePath(id string) string {
	return path.Join(keyspaceNamespace, id)
}

func shardNodePath(id string) string {
	return path.Join(shardNamespace, id)
}

func tabletNodePath(id string) string {
	return path.Join(tabletNamespace, id)
}

func servingGraphNodePath(keyspaceID string) string {
	return path.Join(servingGraphNamespace, keyspaceID)
}

func playerCursorNodePath(id string) string {
	return path.Join(playerCursorNamespace, id)
}

func copyStateNodePath(jobID string) string {
	return path.Join(copyStateNamespace, jobID)
}

func (q *EtcdQDB) Client() *clientv3.Client {
	return q.cli
}

func (q *EtcdQDB) putNode(ctx context.Context, key string, value any) error {
	rawValue, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return retry.Do(ctx, retry.WithMaxRetries(5, retry.NewFibonacci(50*time.Millisecond)),
		func(ctx context.Context) error {
			resp, err := q.cli.Put(ctx, key, string(rawValue))
			if err != nil {
				return retry.RetryableError(err)
			}
			reshlog.Zero.Debug().
				Str("key", key).
				Interface("response", resp).
				Msg("etcdqdb: put node")
			return nil
		})
}

func getNode[T any](ctx context.Context, q *EtcdQDB, key string) (*T, error) {
	resp, err := q.cli.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	switch len(resp.Kvs) {
	case 0:
		return nil, rerror.Newf(rerror.RESH_NOT_FOUND, "no node at %s", key)
	case 1:
		var ret T
		if err := json.Unmarshal(resp.Kvs[0].Value, &ret); err != nil {
			return nil, err
		}
		return &ret, nil
	default:
		return nil, rerror.Newf(rerror.RESH_METADATA_ERROR, "too many nodes at %s", key)
	}
}

func listNodes[T any](ctx context.Context, q *EtcdQDB, prefix string) ([]*T, error) {
	resp, err := q.cli.Get(ctx, prefix, clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}

	ret := make([]*T, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node T
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			return nil, err
		}
		ret = append(ret, &node)
	}
	return ret, nil
}

// ==============================================================================
//                                 KEYSPACES
// ==============================================================================

func (q *EtcdQDB) AddKeyspace(ctx context.Context, ks *Keyspace) error {
	reshlog.Zero.Debug().Interface("keyspace", ks).Msg("etcdqdb: add keyspace")
	return q.putNode(ctx, keyspaceNodePath(ks.ID), ks)
}

func (q *EtcdQDB) GetKeyspace(ctx context.Context, id string) (*Keyspace, error) {
	reshlog.Zero.Debug().Str("keyspace", id).Msg("etcdqdb: get keyspace")
	return getNode[Keyspace](ctx, q, keyspaceNodePath(id))
}

func (q *EtcdQDB) ListKeyspaces(ctx context.Context) ([]*Keyspace, error) {
	reshlog.Zero.Debug().Msg("etcdqdb: list keyspaces")
	return listNodes[Keyspace](ctx, q, keyspaceNamespace)
}

func (q *EtcdQDB) DropKeyspace(ctx context.Context, id string) error {
	reshlog.Zero.Debug().Str("keyspace", id).Msg("etcdqdb: drop keyspace")
	if _, err := q.cli.Delete(ctx, keyspaceNodePath(id)); err != nil {
		return err
	}
	_, err := q.cli.Delete(ctx, servingGraphNodePath(id))
	return err
}

// ==============================================================================
//                                   SHARDS
// ==============================================================================

func (q *EtcdQDB) AddShard(ctx context.Context, shard *Shard) error {
	reshlog.Zero.Debug().Interface("shard", shard).Msg("etcdqdb: add shard")
	return q.putNode(ctx, shardNodePath(shard.ID), shard)
}

func (q *EtcdQDB) GetShard(ctx context.Context, id string) (*Shard, error) {
	reshlog.Zero.Debug().Str("shard", id).Msg("etcdqdb: get shard")
	return getNode[Shard](ctx, q, shardNodePath(id))
}

func (q *EtcdQDB) ListShards(ctx context.Context, keyspaceID string) ([]*Shard, error) {
	reshlog.Zero.Debug().Str("keyspace", keyspaceID).Msg("etcdqdb: list shards")
	shards, err := listNodes[Shard](ctx, q, shardNamespace)
	if err != nil {
		return nil, err
	}
	if keyspaceID == "" {
		return shards, nil
	}
	ret := make([]*Shard, 0, len(shards))
	for _, shard := range shards {
		if shard.KeyspaceID == keyspaceID {
			ret = append(ret, shard)
		}
	}
	return ret, nil
}

func (q *EtcdQDB) DropShard(ctx context.Context, id string) error {
	reshlog.Zero.Debug().Str("shard", id).Msg("etcdqdb: drop shard")
	_, err := q.cli.Delete(ctx, shardNodePath(id))
	return err
}

// ==============================================================================
//                                  TABLETS
// ==============================================================================

func (q *EtcdQDB) AddTablet(ctx context.Context, tablet *Tablet) error {
	reshlog.Zero.Debug().Interface("tablet", tablet).Msg("etcdqdb: add tablet")
	return q.putNode(ctx, tabletNodePath(tablet.ID), tablet)
}

func (q *EtcdQDB) GetTablet(ctx context.Context, id string) (*Tablet, error) {
	reshlog.Zero.Debug().Str("tablet", id).Msg("etcdqdb: get tablet")
	return getNode[Tablet](ctx, q, tabletNodePath(id))
}

func (q *EtcdQDB) UpdateTablet(ctx context.Context, tablet *Tablet) error {
	reshlog.Zero.Debug().Interface("tablet", tablet).Msg("etcdqdb: update tablet")
	if _, err := getNode[Tablet](ctx, q, tabletNodePath(tablet.ID)); err != nil {
		return err
	}
	return q.putNode(ctx, tabletNodePath(tablet.ID), tablet)
}

func (q *EtcdQDB) ListTablets(ctx context.Context, shardID string) ([]*Tablet, error) {
	reshlog.Zero.Debug().Str("shard", shardID).Msg("etcdqdb: list tablets")
	tablets, err := listNodes[Tablet](ctx, q, tabletNamespace)
	if err != nil {
		return nil, err
	}
	if shardID == "" {
		return tablets, nil
	}
	ret := make([]*Tablet, 0, len(tablets))
	for _, tablet := range tablets {
		if tablet.ShardID == shardID {
			ret = append(ret, tablet)
		}
	}
	return ret, nil
}

func (q *EtcdQDB) DropTablet(ctx context.Context, id string) error {
	reshlog.Zero.Debug().Str("tablet", id).Msg("etcdqdb: drop tablet")
	_, err := q.cli.Delete(ctx, tabletNodePath(id))
	return err
}

// ==============================================================================
//                               SERVING GRAPH
// ==============================================================================

func (q *EtcdQDB) GetServingGraph(ctx context.Context, keyspaceID string) (*ServingGraph, error) {
	reshlog.Zero.Debug().Str("keyspace", keyspaceID).Msg("etcdqdb: get serving graph")
	return getNode[ServingGraph](ctx, q, servingGraphNodePath(keyspaceID))
}

func (q *EtcdQDB) WriteServingGraph(ctx context.Context, graph *ServingGraph) error {
	reshlog.Zero.Debug().
		Str("keyspace", graph.KeyspaceID).
		Uint64("version", graph.Version).
		Msg("etcdqdb: write serving graph")
	return q.putNode(ctx, servingGraphNodePath(graph.KeyspaceID), graph)
}

func (q *EtcdQDB) WatchServingGraph(ctx context.Context, keyspaceID string) (<-chan *ServingGraph, error) {
	reshlog.Zero.Debug().Str("keyspace", keyspaceID).Msg("etcdqdb: watch serving graph")

	watchCh := q.cli.Watch(ctx, servingGraphNodePath(keyspaceID))
	ch := make(chan *ServingGraph, 16)

	go func() {
		defer close(ch)
		for resp := range watchCh {
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				var graph ServingGraph
				if err := json.Unmarshal(ev.Kv.Value, &graph); err != nil {
					reshlog.Zero.Error().Err(err).Msg("etcdqdb: failed to decode serving graph event")
					continue
				}
				select {
				case ch <- &graph:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

// ==============================================================================
//                               PLAYER CURSORS
// ==============================================================================

func (q *EtcdQDB) WritePlayerCursor(ctx context.Context, cursor *PlayerCursor) error {
	reshlog.Zero.Debug().
		Str("cursor", cursor.ID).
		Uint64("position", cursor.Position).
		Msg("etcdqdb: write player cursor")
	return q.putNode(ctx, playerCursorNodePath(cursor.ID), cursor)
}

func (q *EtcdQDB) GetPlayerCursor(ctx context.Context, id string) (*PlayerCursor, error) {
	reshlog.Zero.Debug().Str("cursor", id).Msg("etcdqdb: get player cursor")
	return getNode[PlayerCursor](ctx, q, playerCursorNodePath(id))
}

func (q *EtcdQDB) ListPlayerCursors(ctx context.Context) ([]*PlayerCursor, error) {
	reshlog.Zero.Debug().Msg("etcdqdb: list player cursors")
	return listNodes[PlayerCursor](ctx, q, playerCursorNamespace)
}

func (q *EtcdQDB) DropPlayerCursor(ctx context.Context, id string) error {
	reshlog.Zero.Debug().Str("cursor", id).Msg("etcdqdb: drop player cursor")
	_, err := q.cli.Delete(ctx, playerCursorNodePath(id))
	return err
}

// ==============================================================================
//                                COPY STATES
// ==============================================================================

func (q *EtcdQDB) WriteCopyState(ctx context.Context, state *CopyState) error {
	reshlog.Zero.Debug().Str("job", state.JobID).Msg("etcdqdb: write copy state")
	return q.putNode(ctx, copyStateNodePath(state.JobID), state)
}

func (q *EtcdQDB) GetCopyState(ctx context.Context, jobID string) (*CopyState, error) {
	reshlog.Zero.Debug().Str("job", jobID).Msg("etcdqdb: get copy state")
	return getNode[CopyState](ctx, q, copyStateNodePath(jobID))
}

func (q *EtcdQDB) DropCopyState(ctx context.Context, jobID string) error {
	reshlog.Zero.Debug().Str("job", jobID).Msg("etcdqdb: drop copy state")
	_, err := q.cli.Delete(ctx, copyStateNodePath(jobID))
	return err
}
