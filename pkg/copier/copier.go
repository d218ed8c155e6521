package copier

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/range-sharding/resharder/pkg/datastore"
	"github.com/range-sharding/resharder/pkg/models/kr"
	"github.com/range-sharding/resharder/pkg/models/rerror"
	"github.com/range-sharding/resharder/pkg/reshlog"
	"github.com/range-sharding/resharder/qdb"
)

// CopyJob describes one bulk copy: every row of the source shard whose
// routing key falls into the destination range is upserted into the
// destination shard.
type CopyJob struct {
	ID            string
	SourceShardID string
	DestShardID   string
	DestRange     *kr.KeyRange
}

type Config struct {
	ChunkRows         int
	ReaderParallelism int
	RetryLimit        uint64
	RetryBackoff      time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ChunkRows <= 0 {
		cfg.ChunkRows = 1000
	}
	if cfg.ReaderParallelism <= 0 {
		cfg.ReaderParallelism = 4
	}
	if cfg.RetryLimit == 0 {
		cfg.RetryLimit = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	return cfg
}

// Copier drives bulk copies and checkpoints their progress in the QDB so
// an interrupted job resumes from the last finished chunk instead of
// starting over.
type Copier struct {
	qdb      qdb.QDB
	registry *datastore.Registry
	cfg      Config

	mu sync.Mutex

	RowsCopied  atomic.Uint64
	RowsSkipped atomic.Uint64
}

func NewCopier(q qdb.QDB, registry *datastore.Registry, cfg Config) *Copier {
	return &Copier{
		qdb:      q,
		registry: registry,
		cfg:      cfg.withDefaults(),
	}
}

// Run executes job to completion and returns the snapshot position the
// follow-up replication player must start from. The snapshot position is
// captured before the first chunk is read, so every mutation the copy
// misses is at a position above it.
func (c *Copier) Run(ctx context.Context, job *CopyJob) (uint64, error) {
	source, err := c.registry.Get(job.SourceShardID)
	if err != nil {
		return 0, err
	}
	dest, err := c.registry.Get(job.DestShardID)
	if err != nil {
		return 0, err
	}

	state, err := c.loadOrInitState(ctx, job, source)
	if err != nil {
		return 0, err
	}

	tables, err := source.Tables(ctx)
	if err != nil {
		return 0, err
	}

	reshlog.Zero.Info().
		Str("job", job.ID).
		Str("source", job.SourceShardID).
		Str("destination", job.DestShardID).
		Uint64("snapshot position", state.SnapshotPos).
		Int("tables", len(tables)).
		Msg("starting bulk copy")

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(c.cfg.ReaderParallelism)

	for _, table := range tables {
		table := table
		group.Go(func() error {
			return c.copyTable(gctx, job, state, source, dest, table)
		})
	}

	if err := group.Wait(); err != nil {
		return 0, err
	}

	reshlog.Zero.Info().
		Str("job", job.ID).
		Uint64("rows copied", c.RowsCopied.Load()).
		Uint64("rows skipped", c.RowsSkipped.Load()).
		Msg("bulk copy finished")

	return state.SnapshotPos, nil
}

// loadOrInitState resumes a checkpointed job or starts a fresh one. For a
// fresh job the source position is captured before anything is read.
func (c *Copier) loadOrInitState(ctx context.Context, job *CopyJob, source datastore.Store) (*qdb.CopyState, error) {
	state, err := c.qdb.GetCopyState(ctx, job.ID)
	if err == nil {
		if state.SourceShardID != job.SourceShardID || state.DestShardID != job.DestShardID {
			return nil, rerror.Newf(rerror.RESH_PRECONDITION,
				"copy state %s belongs to %s -> %s", job.ID, state.SourceShardID, state.DestShardID)
		}
		reshlog.Zero.Info().
			Str("job", job.ID).
			Msg("resuming bulk copy from checkpoint")
		return state, nil
	}
	if rerror.ErrorCode(err) != rerror.RESH_NOT_FOUND {
		return nil, err
	}

	snapshotPos, err := source.CurrentPosition(ctx)
	if err != nil {
		return nil, err
	}

	state = &qdb.CopyState{
		JobID:         job.ID,
		SourceShardID: job.SourceShardID,
		DestShardID:   job.DestShardID,
		SnapshotPos:   snapshotPos,
		Tables:        map[string]*qdb.TableCopyState{},
	}
	if err := c.qdb.WriteCopyState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (c *Copier) copyTable(ctx context.Context, job *CopyJob, state *qdb.CopyState, source, dest datastore.Store, table string) error {
	c.mu.Lock()
	ts, ok := state.Tables[table]
	if !ok {
		ts = &qdb.TableCopyState{}
		state.Tables[table] = ts
	}
	lastPK := ts.LastPK
	done := ts.Done
	c.mu.Unlock()

	if done {
		reshlog.Zero.Debug().
			Str("job", job.ID).
			Str("table", table).
			Msg("table already copied")
		return nil
	}

	for {
		rows, err := c.readChunk(ctx, source, table, lastPK)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return c.finishTable(ctx, state, table)
		}

		muts := make([]datastore.Mutation, 0, len(rows))
		for _, row := range rows {
			if !job.DestRange.In(row.RoutingKey) {
				c.RowsSkipped.Inc()
				continue
			}
			muts = append(muts, datastore.Mutation{
				Table:      table,
				Op:         datastore.OpUpsert,
				PK:         row.PK,
				RoutingKey: row.RoutingKey,
				Data:       row.Data,
			})
		}

		if err := c.applyChunk(ctx, dest, muts); err != nil {
			return err
		}
		c.RowsCopied.Add(uint64(len(muts)))

		lastPK = rows[len(rows)-1].PK
		if err := c.checkpointTable(ctx, state, table, lastPK); err != nil {
			return err
		}
		if len(rows) < c.cfg.ChunkRows {
			return c.finishTable(ctx, state, table)
		}
	}
}

func (c *Copier) readChunk(ctx context.Context, source datastore.Store, table string, afterPK []byte) ([]datastore.Row, error) {
	var rows []datastore.Row
	err := retry.Do(ctx, retry.WithMaxRetries(c.cfg.RetryLimit, retry.NewFibonacci(c.cfg.RetryBackoff)),
		func(ctx context.Context) error {
			var err error
			rows, err = source.ReadChunk(ctx, table, afterPK, c.cfg.ChunkRows)
			if err != nil && rerror.IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		})
	return rows, err
}

// applyChunk upserts one chunk into the destination. Re-applying a chunk
// after a checkpoint failure is harmless: upserts are idempotent by
// primary key.
func (c *Copier) applyChunk(ctx context.Context, dest datastore.Store, muts []datastore.Mutation) error {
	if len(muts) == 0 {
		return nil
	}
	return retry.Do(ctx, retry.WithMaxRetries(c.cfg.RetryLimit, retry.NewFibonacci(c.cfg.RetryBackoff)),
		func(ctx context.Context) error {
			if err := dest.Apply(ctx, muts); err != nil {
				if rerror.IsRetryable(err) {
					return retry.RetryableError(err)
				}
				return err
			}
			return nil
		})
}

func (c *Copier) checkpointTable(ctx context.Context, state *qdb.CopyState, table string, lastPK []byte) error {
	c.mu.Lock()
	state.Tables[table].LastPK = lastPK
	c.mu.Unlock()
	return c.writeState(ctx, state)
}

func (c *Copier) finishTable(ctx context.Context, state *qdb.CopyState, table string) error {
	c.mu.Lock()
	state.Tables[table].Done = true
	c.mu.Unlock()
	return c.writeState(ctx, state)
}

func (c *Copier) writeState(ctx context.Context, state *qdb.CopyState) error {
	c.mu.Lock()
	cp := &qdb.CopyState{
		JobID:         state.JobID,
		SourceShardID: state.SourceShardID,
		DestShardID:   state.DestShardID,
		SnapshotPos:   state.SnapshotPos,
		Tables:        map[string]*qdb.TableCopyState{},
	}
	for t, ts := range state.Tables {
		cp.Tables[t] = &qdb.TableCopyState{LastPK: ts.LastPK, Done: ts.Done}
	}
	c.mu.Unlock()
	return c.qdb.WriteCopyState(ctx, cp)
}
