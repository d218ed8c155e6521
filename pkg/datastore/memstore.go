package datastore

import (
	"context"
	"sort"
	"sync"

	"github.com/range-sharding/resharder/pkg/models/kr"
	"github.com/range-sharding/resharder/pkg/models/rerror"
)

// MemStore is an in-memory shard store with an ordered mutation log.
// Positions are contiguous starting at 1, so log[i].Pos == i+1.
type MemStore struct {
	mu sync.Mutex

	tables map[string]map[string]Row
	log    []Mutation

	accepting bool
	healthy   bool

	applyErr      error
	applyErrTimes int

	notify chan struct{}
}

var _ Store = &MemStore{}

func NewMemStore(tables ...string) *MemStore {
	s := &MemStore{
		tables:    map[string]map[string]Row{},
		accepting: true,
		healthy:   true,
		notify:    make(chan struct{}),
	}
	for _, t := range tables {
		s.tables[t] = map[string]Row{}
	}
	return s
}

func (s *MemStore) Tables(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ret []string
	for t := range s.tables {
		ret = append(ret, t)
	}
	sort.Strings(ret)
	return ret, nil
}

func (s *MemStore) ReadChunk(ctx context.Context, table string, afterPK []byte, limit int) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.tables[table]
	if !ok {
		return nil, rerror.Newf(rerror.RESH_FILTER_ERROR, "unknown table %s", table)
	}

	var ret []Row
	for _, row := range rows {
		if len(afterPK) != 0 && !kr.CmpRangesLess(afterPK, row.PK) {
			continue
		}
		ret = append(ret, row)
	}
	sort.Slice(ret, func(i, j int) bool {
		return kr.CmpRangesLess(ret[i].PK, ret[j].PK)
	})
	if limit > 0 && len(ret) > limit {
		ret = ret[:limit]
	}
	return ret, nil
}

func (s *MemStore) Write(ctx context.Context, muts []Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.accepting {
		return rerror.New(rerror.RESH_STOPPED, "store is not accepting writes")
	}
	return s.applyLocked(muts)
}

func (s *MemStore) Apply(ctx context.Context, muts []Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applyErrTimes > 0 {
		s.applyErrTimes--
		return s.applyErr
	}
	return s.applyLocked(muts)
}

func (s *MemStore) applyLocked(muts []Mutation) error {
	for _, mut := range muts {
		rows, ok := s.tables[mut.Table]
		if !ok {
			return rerror.Newf(rerror.RESH_FILTER_ERROR, "unknown table %s", mut.Table)
		}
		switch mut.Op {
		case OpUpsert:
			rows[string(mut.PK)] = Row{
				PK:         mut.PK,
				RoutingKey: mut.RoutingKey,
				Data:       mut.Data,
			}
		case OpDelete:
			delete(rows, string(mut.PK))
		default:
			return rerror.Newf(rerror.RESH_FILTER_ERROR, "unknown mutation op %s", mut.Op)
		}

		logged := mut
		logged.Pos = uint64(len(s.log)) + 1
		s.log = append(s.log, logged)
	}

	close(s.notify)
	s.notify = make(chan struct{})
	return nil
}

func (s *MemStore) CurrentPosition(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.log)), nil
}

func (s *MemStore) ReadLog(ctx context.Context, after uint64, limit int) ([]Mutation, error) {
	for {
		s.mu.Lock()
		if after < uint64(len(s.log)) {
			end := uint64(len(s.log))
			if limit > 0 && after+uint64(limit) < end {
				end = after + uint64(limit)
			}
			ret := make([]Mutation, end-after)
			copy(ret, s.log[after:end])
			s.mu.Unlock()
			return ret, nil
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *MemStore) SetAcceptingWrites(accepting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepting = accepting
}

func (s *MemStore) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// InjectApplyError makes the next times calls to Apply fail with err.
func (s *MemStore) InjectApplyError(err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyErr = err
	s.applyErrTimes = times
}

func (s *MemStore) Health(ctx context.Context) (*Health, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Health{
		Healthy:         s.healthy,
		AcceptingWrites: s.accepting,
		Position:        uint64(len(s.log)),
	}, nil
}
