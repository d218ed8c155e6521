package datastore

import (
	"context"
	"fmt"
	"time"

	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/atomic"

	"github.com/range-sharding/resharder/pkg/models/rerror"
	"github.com/range-sharding/resharder/pkg/reshlog"
)

// PgStore backs a shard with a PostgreSQL database. Every sharded table
// follows the (pk, routing_key, payload) bytea convention and all
// mutations are recorded in the resharder_log table inside the same
// transaction, which is what makes positions totally ordered.
type PgStore struct {
	pool *pgxpool.Pool

	accepting atomic.Bool

	logPollInterval time.Duration
}

var _ Store = &PgStore{}

const logTable = "resharder_log"

func NewPgStore(ctx context.Context, connString string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		reshlog.Zero.Error().Err(err).Msg("error connecting to shard")
		return nil, err
	}

	s := &PgStore{
		pool:            pool,
		logPollInterval: 100 * time.Millisecond,
	}
	s.accepting.Store(true)

	if err := s.ensureLogTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgStore) ensureLogTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	pos BIGSERIAL PRIMARY KEY,
	table_name TEXT NOT NULL,
	op TEXT NOT NULL,
	pk BYTEA NOT NULL,
	routing_key BYTEA,
	payload BYTEA
)`, logTable))
	return err
}

func (s *PgStore) Close() {
	s.pool.Close()
}

func (s *PgStore) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = 'public' AND table_name <> $1
ORDER BY table_name`, logTable)
	if err != nil {
		return nil, rerror.Newf(rerror.RESH_TRANSIENT, "listing tables: %v", err)
	}
	defer rows.Close()

	var ret []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		ret = append(ret, name)
	}
	return ret, rows.Err()
}

func (s *PgStore) ReadChunk(ctx context.Context, table string, afterPK []byte, limit int) ([]Row, error) {
	qry := fmt.Sprintf(`
SELECT pk, routing_key, payload
FROM %s
WHERE octet_length(pk) > octet_length($1) OR (octet_length(pk) = octet_length($1) AND pk > $1)
ORDER BY octet_length(pk), pk
LIMIT $2`, pgx.Identifier{table}.Sanitize())

	rows, err := s.pool.Query(ctx, qry, afterPK, limit)
	if err != nil {
		return nil, rerror.Newf(rerror.RESH_TRANSIENT, "chunk read on %s: %v", table, err)
	}
	defer rows.Close()

	var ret []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.PK, &row.RoutingKey, &row.Data); err != nil {
			return nil, err
		}
		ret = append(ret, row)
	}
	return ret, rows.Err()
}

func (s *PgStore) Write(ctx context.Context, muts []Mutation) error {
	if !s.accepting.Load() {
		return rerror.New(rerror.RESH_STOPPED, "store is not accepting writes")
	}
	return s.Apply(ctx, muts)
}

func (s *PgStore) Apply(ctx context.Context, muts []Mutation) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return rerror.Newf(rerror.RESH_TRANSIENT, "begin apply tx: %v", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, mut := range muts {
		table := pgx.Identifier{mut.Table}.Sanitize()
		switch mut.Op {
		case OpUpsert:
			_, err = tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (pk, routing_key, payload) VALUES ($1, $2, $3)
ON CONFLICT (pk) DO UPDATE SET routing_key = $2, payload = $3`, table),
				mut.PK, mut.RoutingKey, mut.Data)
		case OpDelete:
			_, err = tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE pk = $1", table), mut.PK)
		default:
			return rerror.Newf(rerror.RESH_FILTER_ERROR, "unknown mutation op %s", mut.Op)
		}
		if err != nil {
			return rerror.Newf(rerror.RESH_TRANSIENT, "apply %s on %s: %v", mut.Op, mut.Table, err)
		}

		if _, err := tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (table_name, op, pk, routing_key, payload) VALUES ($1, $2, $3, $4, $5)`, logTable),
			mut.Table, string(mut.Op), mut.PK, mut.RoutingKey, mut.Data); err != nil {
			return rerror.Newf(rerror.RESH_TRANSIENT, "log append: %v", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return rerror.Newf(rerror.RESH_TRANSIENT, "commit apply tx: %v", err)
	}
	return nil
}

func (s *PgStore) CurrentPosition(ctx context.Context) (uint64, error) {
	var pos uint64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(pos), 0) FROM %s", logTable)).Scan(&pos)
	if err != nil {
		return 0, rerror.Newf(rerror.RESH_TRANSIENT, "reading log position: %v", err)
	}
	return pos, nil
}

func (s *PgStore) ReadLog(ctx context.Context, after uint64, limit int) ([]Mutation, error) {
	for {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT pos, table_name, op, pk, routing_key, payload
FROM %s
WHERE pos > $1
ORDER BY pos
LIMIT $2`, logTable), after, limit)
		if err != nil {
			return nil, rerror.Newf(rerror.RESH_TRANSIENT, "log read: %v", err)
		}

		var ret []Mutation
		for rows.Next() {
			var mut Mutation
			var op string
			if err := rows.Scan(&mut.Pos, &mut.Table, &op, &mut.PK, &mut.RoutingKey, &mut.Data); err != nil {
				rows.Close()
				return nil, err
			}
			mut.Op = MutationOp(op)
			ret = append(ret, mut)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if len(ret) != 0 {
			return ret, nil
		}

		select {
		case <-time.After(s.logPollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *PgStore) SetAcceptingWrites(accepting bool) {
	s.accepting.Store(accepting)
}

func (s *PgStore) Health(ctx context.Context) (*Health, error) {
	pos, err := s.CurrentPosition(ctx)
	if err != nil {
		return &Health{Healthy: false}, nil
	}
	return &Health{
		Healthy:         true,
		AcceptingWrites: s.accepting.Load(),
		Position:        pos,
	}, nil
}
