package datastore

import (
	"context"
	"sync"
	"time"

	"github.com/range-sharding/resharder/pkg/models/rerror"
)

type MutationOp string

const (
	OpUpsert = MutationOp("UPSERT")
	OpDelete = MutationOp("DELETE")
)

type Row struct {
	PK         []byte
	RoutingKey []byte
	Data       []byte
}

// Mutation is one entry of a shard's ordered mutation log. Pos is assigned
// by the store on commit and increases monotonically without holes.
// Deletes carry the row's routing key so downstream filters can evaluate
// them without a lookup.
type Mutation struct {
	Pos        uint64
	Table      string
	Op         MutationOp
	PK         []byte
	RoutingKey []byte
	Data       []byte
}

type Health struct {
	Healthy         bool
	AcceptingWrites bool
	Position        uint64
}

// Store is the boundary to a shard's local store. Write is the client
// traffic path and respects the serving switch; Apply is the replication
// path and always lands, idempotently keyed by primary key.
type Store interface {
	Tables(ctx context.Context) ([]string, error)

	// ReadChunk returns up to limit rows of table with pk > afterPK in
	// primary-key order. An empty afterPK starts from the beginning.
	ReadChunk(ctx context.Context, table string, afterPK []byte, limit int) ([]Row, error)

	Write(ctx context.Context, muts []Mutation) error
	Apply(ctx context.Context, muts []Mutation) error

	CurrentPosition(ctx context.Context) (uint64, error)

	// ReadLog returns up to limit log entries with Pos > after, blocking
	// until at least one is available or ctx is done.
	ReadLog(ctx context.Context, after uint64, limit int) ([]Mutation, error)

	SetAcceptingWrites(accepting bool)
	Health(ctx context.Context) (*Health, error)
}

// Registry maps shard ids to their stores. It stands in for tablet
// discovery: every component resolves shard stores through it.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]Store
}

func NewRegistry() *Registry {
	return &Registry{
		stores: map[string]Store{},
	}
}

func (r *Registry) Register(shardID string, store Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[shardID] = store
}

func (r *Registry) Get(shardID string) (Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	store, ok := r.stores[shardID]
	if !ok {
		return nil, rerror.Newf(rerror.RESH_NOT_FOUND, "no store registered for shard %s", shardID)
	}
	return store, nil
}

func (r *Registry) Drop(shardID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stores, shardID)
}

// WatchHealth polls the store and streams health reports until ctx is
// done. The channel is closed on cancellation.
func WatchHealth(ctx context.Context, store Store, interval time.Duration) <-chan *Health {
	ch := make(chan *Health, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			health, err := store.Health(ctx)
			if err == nil {
				select {
				case ch <- health:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
