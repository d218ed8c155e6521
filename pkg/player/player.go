package player

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/range-sharding/resharder/pkg/datastore"
	"github.com/range-sharding/resharder/pkg/models/kr"
	"github.com/range-sharding/resharder/pkg/models/rerror"
	"github.com/range-sharding/resharder/pkg/reshlog"
	"github.com/range-sharding/resharder/qdb"
)

type Config struct {
	BatchSize    int
	LagThreshold uint64
	RetryLimit   uint64
	RetryBackoff time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.LagThreshold == 0 {
		cfg.LagThreshold = 10
	}
	if cfg.RetryLimit == 0 {
		cfg.RetryLimit = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	return cfg
}

// Player tails one source shard's mutation log and applies the mutations
// whose routing keys fall into its range onto the destination shard. The
// cursor is persisted only after the batch is durably applied, so a crash
// replays a suffix of already-applied mutations; applies are idempotent
// by primary key, replays converge to the same state.
type Player struct {
	id     string
	filter *kr.KeyRange

	qdb      qdb.QDB
	registry *datastore.Registry
	cfg      Config

	source datastore.Store
	dest   datastore.Store

	mu     sync.Mutex
	cursor *qdb.PlayerCursor
	fatal  error
	cancel context.CancelFunc
	done   chan struct{}

	Stats *Stats
}

// NewPlayer creates a player resuming from its persisted cursor, or
// starting at startPos when no cursor exists. startPos is the copy job's
// snapshot position.
func NewPlayer(ctx context.Context, q qdb.QDB, registry *datastore.Registry, id, sourceShardID, destShardID string, filter *kr.KeyRange, startPos uint64, cfg Config) (*Player, error) {
	source, err := registry.Get(sourceShardID)
	if err != nil {
		return nil, err
	}
	dest, err := registry.Get(destShardID)
	if err != nil {
		return nil, err
	}

	cursor, err := q.GetPlayerCursor(ctx, id)
	switch rerror.ErrorCode(err) {
	case "":
		if cursor.SourceShardID != sourceShardID || cursor.DestShardID != destShardID {
			return nil, rerror.Newf(rerror.RESH_PRECONDITION,
				"player cursor %s belongs to %s -> %s", id, cursor.SourceShardID, cursor.DestShardID)
		}
		reshlog.Zero.Info().
			Str("player", id).
			Uint64("position", cursor.Position).
			Msg("resuming replication from persisted cursor")
	case rerror.RESH_NOT_FOUND:
		cursor = &qdb.PlayerCursor{
			ID:            id,
			SourceShardID: sourceShardID,
			DestShardID:   destShardID,
			LowerBound:    filter.LowerBound,
			UpperBound:    filter.UpperBound,
			Position:      startPos,
			State:         qdb.PlayerInitializing,
		}
		if err := q.WritePlayerCursor(ctx, cursor); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	return &Player{
		id:       id,
		filter:   filter,
		qdb:      q,
		registry: registry,
		cfg:      cfg.withDefaults(),
		source:   source,
		dest:     dest,
		cursor:   cursor,
		Stats:    NewStats(),
	}, nil
}

func (p *Player) ID() string {
	return p.id
}

func (p *Player) SourceShardID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor.SourceShardID
}

func (p *Player) DestShardID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor.DestShardID
}

func (p *Player) State() qdb.PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor.State
}

func (p *Player) Position() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor.Position
}

// Err returns the fatal error that halted the replay loop, or nil while
// the player is healthy.
func (p *Player) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatal
}

// Lag is the number of source log positions not yet handled by this
// player. Skipped mutations count as handled.
func (p *Player) Lag(ctx context.Context) (uint64, error) {
	sourcePos, err := p.source.CurrentPosition(ctx)
	if err != nil {
		return 0, err
	}
	pos := p.Position()
	if sourcePos <= pos {
		return 0, nil
	}
	return sourcePos - pos, nil
}

// Start launches the replay loop in the background. It returns
// immediately; use WaitCaughtUp or Stop to synchronize.
func (p *Player) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cursor.State == qdb.PlayerStopped {
		p.mu.Unlock()
		return rerror.Newf(rerror.RESH_STOPPED, "player %s is stopped", p.id)
	}
	if p.fatal != nil {
		fatal := p.fatal
		p.mu.Unlock()
		return fatal
	}
	if p.cancel != nil {
		p.mu.Unlock()
		return rerror.Newf(rerror.RESH_PRECONDITION, "player %s already running", p.id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go func() {
		defer close(done)
		if err := p.run(runCtx); err != nil && rerror.ErrorCode(err) != rerror.RESH_STOPPED {
			p.halt(err)
		}
	}()
	return nil
}

// halt persists the terminal cursor state and records the fatal error so
// operators and waiters see the cause instead of a stuck CATCHING_UP. The
// error is recorded last: once Err is non-nil the halted state is durable.
func (p *Player) halt(cause error) {
	reshlog.Zero.Error().
		Err(cause).
		Str("player", p.id).
		Uint64("position", p.Position()).
		Msg("replication player halted")

	// The run context may already be dead; the cursor write must not be.
	if err := p.transition(context.Background(), qdb.PlayerHalted); err != nil {
		reshlog.Zero.Error().
			Err(err).
			Str("player", p.id).
			Msg("failed to persist halted cursor state")
	}

	p.mu.Lock()
	p.fatal = cause
	p.mu.Unlock()
}

func (p *Player) run(ctx context.Context) error {
	if err := p.transition(ctx, qdb.PlayerCatchingUp); err != nil {
		return err
	}

	for {
		muts, err := p.source.ReadLog(ctx, p.Position(), p.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return rerror.New(rerror.RESH_STOPPED, "player context canceled")
			}
			return err
		}
		if err := p.handleBatch(ctx, muts); err != nil {
			return err
		}
		if err := p.updateState(ctx); err != nil {
			return err
		}
	}
}

// handleBatch applies the in-range mutations of one contiguous log slice
// and advances the cursor over the whole slice, skipped entries included.
func (p *Player) handleBatch(ctx context.Context, muts []datastore.Mutation) error {
	if len(muts) == 0 {
		return nil
	}

	matched := make([]datastore.Mutation, 0, len(muts))
	for _, mut := range muts {
		if p.filter.In(mut.RoutingKey) {
			matched = append(matched, mut)
		} else {
			p.Stats.RecordSkipped()
		}
	}

	start := time.Now()
	if len(matched) != 0 {
		err := retry.Do(ctx, retry.WithMaxRetries(p.cfg.RetryLimit, retry.NewFibonacci(p.cfg.RetryBackoff)),
			func(ctx context.Context) error {
				if err := p.dest.Apply(ctx, matched); err != nil {
					if rerror.IsRetryable(err) {
						return retry.RetryableError(err)
					}
					return err
				}
				return nil
			})
		if err != nil {
			return err
		}
	}
	p.Stats.RecordBatch(len(matched), time.Since(start))

	return p.advance(ctx, muts[len(muts)-1].Pos)
}

func (p *Player) advance(ctx context.Context, pos uint64) error {
	p.mu.Lock()
	p.cursor.Position = pos
	cp := *p.cursor
	p.mu.Unlock()
	return p.qdb.WritePlayerCursor(ctx, &cp)
}

func (p *Player) transition(ctx context.Context, state qdb.PlayerState) error {
	p.mu.Lock()
	if p.cursor.State == state {
		p.mu.Unlock()
		return nil
	}
	reshlog.Zero.Info().
		Str("player", p.id).
		Str("from", string(p.cursor.State)).
		Str("to", string(state)).
		Msg("player state transition")
	p.cursor.State = state
	cp := *p.cursor
	p.mu.Unlock()
	return p.qdb.WritePlayerCursor(ctx, &cp)
}

func (p *Player) updateState(ctx context.Context) error {
	lag, err := p.Lag(ctx)
	if err != nil {
		return err
	}
	if lag <= p.cfg.LagThreshold {
		return p.transition(ctx, qdb.PlayerRunning)
	}
	return p.transition(ctx, qdb.PlayerCatchingUp)
}

// WaitCaughtUp blocks until the player's lag drops to threshold or below,
// or ctx expires. A halted player surfaces its fatal error immediately.
func (p *Player) WaitCaughtUp(ctx context.Context, threshold uint64) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := p.Err(); err != nil {
			return err
		}
		lag, err := p.Lag(ctx)
		if err != nil {
			return err
		}
		if lag <= threshold {
			return nil
		}
		select {
		case <-ctx.Done():
			return rerror.Newf(rerror.RESH_PRECONDITION,
				"player %s did not catch up: lag %d above threshold %d", p.id, lag, threshold)
		case <-ticker.C:
		}
	}
}

// Stop halts the replay loop and persists the terminal cursor state.
// Stopping twice is an error.
func (p *Player) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.cursor.State == qdb.PlayerStopped {
		p.mu.Unlock()
		return rerror.Newf(rerror.RESH_STOPPED, "player %s already stopped", p.id)
	}
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return p.transition(ctx, qdb.PlayerStopped)
}
