// Package puller drives one site's replication: initialise when needed, then
// drain the queued and central streams, applying and acknowledging each batch.
package puller

import (
	"context"
	"errors"
	"time"

	"github.com/lyzr/sitesync/common/logger"
	"github.com/lyzr/sitesync/common/models"
	"github.com/lyzr/sitesync/common/syncerr"
)

// ErrHalted is returned for a site the server refused until an operator resumes it
var ErrHalted = errors.New("site agent is halted, run resume after fixing credentials")

// Remote is the central server as seen by one site
type Remote interface {
	Initialise(ctx context.Context) (*models.Snapshot, error)
	Records(ctx context.Context, stream models.Stream) (*models.Batch, error)
	Acknowledge(ctx context.Context, stream models.Stream, upTo int64) (*models.AcknowledgeResponse, error)
}

// LocalStore applies delivered records to the site database
type LocalStore interface {
	ApplySnapshot(ctx context.Context, records []models.SyncRecord) error
	ApplyBatch(ctx context.Context, records []models.SyncRecord) error
}

// StateStore persists agent progress between cycles
type StateStore interface {
	LoadState(ctx context.Context) (models.SiteState, error)
	SaveState(ctx context.Context, state models.SiteState) error
}

// Puller runs sync cycles for one site
type Puller struct {
	remote Remote
	local  LocalStore
	log    *logger.Logger
	now    func() time.Time

	// Upper bound on batches drained per stream in one cycle
	maxRounds int
}

// New creates a puller
func New(remote Remote, local LocalStore, log *logger.Logger) *Puller {
	return &Puller{
		remote:    remote,
		local:     local,
		log:       log,
		now:       time.Now,
		maxRounds: 1000,
	}
}

// WithClock replaces the clock used for LastSuccessfulSync
func (p *Puller) WithClock(now func() time.Time) *Puller {
	p.now = now
	return p
}

// RunCycle performs one full cycle starting from state and returns the state
// to persist. Progress made before a failure is kept in the returned state;
// the error classifies the failure.
func (p *Puller) RunCycle(ctx context.Context, state models.SiteState) (models.SiteState, error) {
	if state.Status == models.AgentHalted {
		return state, ErrHalted
	}

	next, err := p.cycle(ctx, state)
	if err != nil {
		return p.fail(next, err), err
	}

	synced := p.now().UTC()
	next.Status = models.AgentIdle
	next.LastError = ""
	next.LastSuccessfulSync = &synced
	return next, nil
}

func (p *Puller) cycle(ctx context.Context, state models.SiteState) (models.SiteState, error) {
	if !state.Initialised {
		snapshot, err := p.remote.Initialise(ctx)
		if err != nil {
			return state, err
		}
		if err := p.local.ApplySnapshot(ctx, snapshot.Records); err != nil {
			return state, err
		}

		state.Initialised = true
		state.QueuedCursor = snapshot.QueuedCursor
		state.CentralCursor = snapshot.CentralCursor
		p.log.Info("site initialised",
			"records", len(snapshot.Records),
			"queued_cursor", snapshot.QueuedCursor,
			"central_cursor", snapshot.CentralCursor)
	}

	for _, stream := range models.Streams {
		var err error
		if state, err = p.drain(ctx, state, stream); err != nil {
			return state, err
		}
	}
	return state, nil
}

// drain pulls, applies and acknowledges batches of stream until the server
// reports nothing more
func (p *Puller) drain(ctx context.Context, state models.SiteState, stream models.Stream) (models.SiteState, error) {
	log := p.log.WithStream(string(stream))

	for round := 0; round < p.maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return state, syncerr.Transport("pull", err)
		}

		batch, err := p.remote.Records(ctx, stream)
		if err != nil {
			return state, err
		}

		if len(batch.Records) > 0 {
			if err := p.local.ApplyBatch(ctx, batch.Records); err != nil {
				return state, err
			}
		}

		if batch.MaxSequence > 0 {
			resp, err := p.remote.Acknowledge(ctx, stream, batch.MaxSequence)
			if err != nil {
				return state, err
			}
			state = state.WithCursor(stream, resp.Cursor.LastAcknowledged)
			log.Debug("batch applied",
				"records", len(batch.Records),
				"acknowledged", resp.Cursor.LastAcknowledged)
		}

		if !batch.More || batch.MaxSequence == 0 {
			return state, nil
		}
	}

	log.Warn("stream still has entries after max rounds, continuing next cycle", "max_rounds", p.maxRounds)
	return state, nil
}

func (p *Puller) fail(state models.SiteState, err error) models.SiteState {
	state.LastError = err.Error()

	switch {
	case errors.Is(err, syncerr.ErrForbidden):
		state.Status = models.AgentHalted
		p.log.Error("server refused site, halting until resumed", "error", err)
	case errors.Is(err, syncerr.ErrSiteNotInitialised):
		state.Initialised = false
		state.Status = models.AgentDelayed
		p.log.Warn("server lost site cursors, re-initialising next cycle", "error", err)
	default:
		state.Status = models.AgentDelayed
		p.log.Warn("sync cycle failed, retrying next tick", "error", err, "kind", syncerr.KindOf(err))
	}
	return state
}

// Sync loads the persisted state, runs one cycle and saves the outcome
func (p *Puller) Sync(ctx context.Context, states StateStore) (models.SiteState, error) {
	state, err := states.LoadState(ctx)
	if err != nil {
		return state, err
	}
	if state.Status == models.AgentHalted {
		return state, ErrHalted
	}

	state.Status = models.AgentSyncing
	if err := states.SaveState(ctx, state); err != nil {
		return state, err
	}

	next, cycleErr := p.RunCycle(ctx, state)

	// the outcome is recorded even when the caller's context is gone
	if err := states.SaveState(context.WithoutCancel(ctx), next); err != nil {
		return next, errors.Join(cycleErr, err)
	}
	return next, cycleErr
}

// Resume clears a halt so the next cycle runs again
func Resume(ctx context.Context, states StateStore) (models.SiteState, error) {
	state, err := states.LoadState(ctx)
	if err != nil {
		return state, err
	}
	state.Status = models.AgentIdle
	state.LastError = ""
	return state, states.SaveState(ctx, state)
}
