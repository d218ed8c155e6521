package player

import (
	"sync"

	"github.com/range-sharding/resharder/pkg/models/rerror"
)

// Registry tracks the live players of this process so cutover can gate
// on their lag and teardown can stop them.
type Registry struct {
	mu      sync.RWMutex
	players map[string]*Player
}

func NewRegistry() *Registry {
	return &Registry{
		players: map[string]*Player{},
	}
}

func (r *Registry) Register(p *Player) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.players[p.ID()] = p
}

func (r *Registry) Get(id string) (*Player, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.players[id]
	if !ok {
		return nil, rerror.Newf(rerror.RESH_NOT_FOUND, "no player %s", id)
	}
	return p, nil
}

func (r *Registry) ListByDest(destShardID string) []*Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ret []*Player
	for _, p := range r.players {
		if p.DestShardID() == destShardID {
			ret = append(ret, p)
		}
	}
	return ret
}

func (r *Registry) ListBySource(sourceShardID string) []*Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ret []*Player
	for _, p := range r.players {
		if p.SourceShardID() == sourceShardID {
			ret = append(ret, p)
		}
	}
	return ret
}

func (r *Registry) Drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.players, id)
}
