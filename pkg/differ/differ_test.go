package differ_test

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/range-sharding/resharder/pkg/datastore"
	"github.com/range-sharding/resharder/pkg/differ"
	"github.com/range-sharding/resharder/pkg/models/kr"
	"github.com/range-sharding/resharder/pkg/models/rerror"
)

func key(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func put(t *testing.T, store *datastore.MemStore, pk uint64, data string) {
	t.Helper()
	err := store.Write(context.TODO(), []datastore.Mutation{{
		Table:      "accounts",
		Op:         datastore.OpUpsert,
		PK:         key(pk),
		RoutingKey: key(pk),
		Data:       []byte(data),
	}})
	assert.NoError(t, err)
}

func TestDifferIdenticalShards(t *testing.T) {
	assert := assert.New(t)

	registry := datastore.NewRegistry()
	source := datastore.NewMemStore("accounts")
	dest := datastore.NewMemStore("accounts")
	registry.Register("sh1", source)
	registry.Register("sh_dest", dest)

	for i := uint64(1); i <= 10; i++ {
		put(t, source, i, "row")
		put(t, dest, i, "row")
	}

	d := differ.NewDiffer(registry, differ.Config{ChunkRows: 3})
	report, err := d.Diff(context.TODO(), "sh1", "sh_dest", &kr.KeyRange{})
	assert.NoError(err)
	assert.Equal(uint64(10), report.Matched)
	assert.Equal(uint64(0), report.Mismatched)
	assert.Equal(uint64(0), report.SourceOnly)
	assert.Equal(uint64(0), report.DestOnly)
}

func TestDifferDetectsDivergence(t *testing.T) {
	assert := assert.New(t)

	registry := datastore.NewRegistry()
	source := datastore.NewMemStore("accounts")
	dest := datastore.NewMemStore("accounts")
	registry.Register("sh1", source)
	registry.Register("sh_dest", dest)

	put(t, source, 1, "same")
	put(t, dest, 1, "same")
	put(t, source, 2, "old")
	put(t, dest, 2, "new")
	put(t, source, 3, "missing on dest")
	put(t, dest, 4, "missing on source")

	d := differ.NewDiffer(registry, differ.Config{})
	report, err := d.Diff(context.TODO(), "sh1", "sh_dest", &kr.KeyRange{})
	assert.Error(err)
	assert.Equal(rerror.RESH_CONSISTENCY, rerror.ErrorCode(err))

	assert.Equal(uint64(1), report.Matched)
	assert.Equal(uint64(1), report.Mismatched)
	assert.Equal(uint64(1), report.SourceOnly)
	assert.Equal(uint64(1), report.DestOnly)
	assert.Len(report.SampleKeys, 3)
}

func TestDifferRespectsRegion(t *testing.T) {
	assert := assert.New(t)

	registry := datastore.NewRegistry()
	source := datastore.NewMemStore("accounts")
	dest := datastore.NewMemStore("accounts")
	registry.Register("sh1", source)
	registry.Register("sh_dest", dest)

	put(t, source, 10, "row")
	put(t, dest, 10, "row")

	// Divergence outside the compared region must be invisible.
	put(t, source, 500, "outside")

	d := differ.NewDiffer(registry, differ.Config{})
	report, err := d.Diff(context.TODO(), "sh1", "sh_dest", &kr.KeyRange{UpperBound: key(100)})
	assert.NoError(err)
	assert.Equal(uint64(1), report.Matched)
	assert.Equal(uint64(0), report.SourceOnly)
}

func TestDifferToleratesDriftWithinBudget(t *testing.T) {
	assert := assert.New(t)

	registry := datastore.NewRegistry()
	source := datastore.NewMemStore("accounts")
	dest := datastore.NewMemStore("accounts")
	registry.Register("sh1", source)
	registry.Register("sh_dest", dest)

	put(t, source, 1, "row")
	put(t, dest, 1, "row")
	put(t, source, 2, "not yet replicated")

	d := differ.NewDiffer(registry, differ.Config{MaxDriftRows: 1})
	report, err := d.Diff(context.TODO(), "sh1", "sh_dest", &kr.KeyRange{})
	assert.NoError(err)
	assert.Equal(uint64(1), report.SourceOnly)
}

func TestDifferDoesNotMutate(t *testing.T) {
	assert := assert.New(t)

	registry := datastore.NewRegistry()
	source := datastore.NewMemStore("accounts")
	dest := datastore.NewMemStore("accounts")
	registry.Register("sh1", source)
	registry.Register("sh_dest", dest)

	put(t, source, 1, "row")

	d := differ.NewDiffer(registry, differ.Config{MaxDriftRows: 10})
	_, err := d.Diff(context.TODO(), "sh1", "sh_dest", &kr.KeyRange{})
	assert.NoError(err)

	destPos, err := dest.CurrentPosition(context.TODO())
	assert.NoError(err)
	assert.Equal(uint64(0), destPos)

	rows, err := dest.ReadChunk(context.TODO(), "accounts", nil, 0)
	assert.NoError(err)
	assert.Empty(rows)
}
