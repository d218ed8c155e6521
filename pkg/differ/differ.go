package differ

import (
	"bytes"
	"context"

	"github.com/range-sharding/resharder/pkg/datastore"
	"github.com/range-sharding/resharder/pkg/models/kr"
	"github.com/range-sharding/resharder/pkg/models/rerror"
	"github.com/range-sharding/resharder/pkg/reshlog"
)

type Config struct {
	ChunkRows    int
	MaxDriftRows uint64
}

// Report summarizes one consistency check. Sample keys are capped so a
// badly diverged pair of shards does not blow up the report.
type Report struct {
	Matched    uint64
	Mismatched uint64
	SourceOnly uint64
	DestOnly   uint64

	SampleKeys [][]byte
}

const maxSampleKeys = 16

func (r *Report) drift() uint64 {
	return r.Mismatched + r.SourceOnly + r.DestOnly
}

func (r *Report) recordSample(pk []byte) {
	if len(r.SampleKeys) < maxSampleKeys {
		r.SampleKeys = append(r.SampleKeys, pk)
	}
}

// Differ compares the rows of a source and a destination shard inside a
// key-range region. It only reads, never repairs.
type Differ struct {
	registry *datastore.Registry
	cfg      Config
}

func NewDiffer(registry *datastore.Registry, cfg Config) *Differ {
	if cfg.ChunkRows <= 0 {
		cfg.ChunkRows = 1000
	}
	return &Differ{
		registry: registry,
		cfg:      cfg,
	}
}

// Diff merge-joins both shards' rows by primary key, restricted to the
// rows whose routing keys fall into region. It fails with a consistency
// error when the accumulated drift exceeds MaxDriftRows.
func (d *Differ) Diff(ctx context.Context, sourceShardID, destShardID string, region *kr.KeyRange) (*Report, error) {
	source, err := d.registry.Get(sourceShardID)
	if err != nil {
		return nil, err
	}
	dest, err := d.registry.Get(destShardID)
	if err != nil {
		return nil, err
	}

	tables, err := source.Tables(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for _, table := range tables {
		if err := d.diffTable(ctx, report, source, dest, table, region); err != nil {
			return nil, err
		}
	}

	reshlog.Zero.Info().
		Str("source", sourceShardID).
		Str("destination", destShardID).
		Uint64("matched", report.Matched).
		Uint64("mismatched", report.Mismatched).
		Uint64("source only", report.SourceOnly).
		Uint64("destination only", report.DestOnly).
		Msg("consistency check finished")

	if report.drift() > d.cfg.MaxDriftRows {
		return report, rerror.Newf(rerror.RESH_CONSISTENCY,
			"%s and %s diverge by %d rows, tolerated %d",
			sourceShardID, destShardID, report.drift(), d.cfg.MaxDriftRows)
	}
	return report, nil
}

func (d *Differ) diffTable(ctx context.Context, report *Report, source, dest datastore.Store, table string, region *kr.KeyRange) error {
	left := newRowIterator(source, table, region, d.cfg.ChunkRows)
	right := newRowIterator(dest, table, region, d.cfg.ChunkRows)

	lrow, lok, err := left.next(ctx)
	if err != nil {
		return err
	}
	rrow, rok, err := right.next(ctx)
	if err != nil {
		return err
	}

	for lok && rok {
		switch {
		case kr.CmpRangesLess(lrow.PK, rrow.PK):
			report.SourceOnly++
			report.recordSample(lrow.PK)
			lrow, lok, err = left.next(ctx)
		case kr.CmpRangesLess(rrow.PK, lrow.PK):
			report.DestOnly++
			report.recordSample(rrow.PK)
			rrow, rok, err = right.next(ctx)
		default:
			if bytes.Equal(lrow.Data, rrow.Data) {
				report.Matched++
			} else {
				report.Mismatched++
				report.recordSample(lrow.PK)
			}
			lrow, lok, err = left.next(ctx)
			if err != nil {
				return err
			}
			rrow, rok, err = right.next(ctx)
		}
		if err != nil {
			return err
		}
	}

	for lok {
		report.SourceOnly++
		report.recordSample(lrow.PK)
		lrow, lok, err = left.next(ctx)
		if err != nil {
			return err
		}
	}
	for rok {
		report.DestOnly++
		report.recordSample(rrow.PK)
		rrow, rok, err = right.next(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

// rowIterator streams a table in primary-key order, one chunk at a time,
// dropping rows outside the region.
type rowIterator struct {
	store  datastore.Store
	table  string
	region *kr.KeyRange
	limit  int

	buf    []datastore.Row
	lastPK []byte
	eof    bool
}

func newRowIterator(store datastore.Store, table string, region *kr.KeyRange, limit int) *rowIterator {
	return &rowIterator{
		store:  store,
		table:  table,
		region: region,
		limit:  limit,
	}
}

func (it *rowIterator) next(ctx context.Context) (datastore.Row, bool, error) {
	for {
		for len(it.buf) != 0 {
			row := it.buf[0]
			it.buf = it.buf[1:]
			if it.region.In(row.RoutingKey) {
				return row, true, nil
			}
		}
		if it.eof {
			return datastore.Row{}, false, nil
		}

		rows, err := it.store.ReadChunk(ctx, it.table, it.lastPK, it.limit)
		if err != nil {
			return datastore.Row{}, false, err
		}
		if len(rows) == 0 {
			it.eof = true
			continue
		}
		it.lastPK = rows[len(rows)-1].PK
		if len(rows) < it.limit {
			it.eof = true
		}
		it.buf = rows
	}
}
