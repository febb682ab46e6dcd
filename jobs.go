package taintd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/taintlabs/taintd/attribution"
	"github.com/taintlabs/taintd/graph"
	"github.com/taintlabs/taintd/graph/models"
	"github.com/taintlabs/taintd/scoring"
)

// JobKind names the work a batch job performs.
type JobKind uint8

const (
	// JobAttribution rebuilds the entity clusters from the current
	// graph content.
	JobAttribution JobKind = iota

	// JobScoring recomputes risk scores from a seed set.
	JobScoring
)

// String returns a human readable kind name.
func (k JobKind) String() string {
	switch k {
	case JobAttribution:
		return "attribution"
	case JobScoring:
		return "scoring"
	default:
		return fmt.Sprintf("unknown<%d>", k)
	}
}

// JobState is the lifecycle state of a batch job.
type JobState uint8

const (
	// JobQueued means the job sits in the queue, not yet picked up.
	JobQueued JobState = iota

	// JobRunning means the job loop is executing the job right now.
	JobRunning

	// JobDone means the job finished successfully.
	JobDone

	// JobFailed means the job finished with an error.
	JobFailed
)

// String returns a human readable state name.
func (s JobState) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobRunning:
		return "running"
	case JobDone:
		return "done"
	case JobFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown<%d>", s)
	}
}

// Job is the handle of one enqueued recompute. Waiters block on Done,
// which is closed exactly once when the job reaches a terminal state.
type Job struct {
	// ID identifies the job within one engine lifetime. Ids increase
	// in enqueue order.
	ID uint64

	// Kind names the work performed.
	Kind JobKind

	// Done is closed once the job reached JobDone or JobFailed.
	Done chan struct{}

	seeds  []models.AddrID
	params scoring.Params

	mtx         sync.Mutex
	state       JobState
	err         error
	attribution *attribution.Result
	scoring     *scoring.Result
}

// State returns the current state and, once failed, the terminal
// error.
func (j *Job) State() (JobState, error) {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	return j.state, j.err
}

// AttributionResult returns the result of a done attribution job, nil
// before completion and for other kinds.
func (j *Job) AttributionResult() *attribution.Result {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	return j.attribution
}

// ScoringResult returns the result of a done scoring job, nil before
// completion and for other kinds.
func (j *Job) ScoringResult() *scoring.Result {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	return j.scoring
}

// Wait blocks until the job reaches a terminal state or the context
// expires. On expiry the state current at that moment is returned
// along with the context error.
func (j *Job) Wait(ctx context.Context) (JobState, error) {
	select {
	case <-j.Done:
		return j.State()

	case <-ctx.Done():
		state, _ := j.State()
		return state, ctx.Err()
	}
}

func (j *Job) setRunning() {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	j.state = JobRunning
}

func (j *Job) complete(attr *attribution.Result, score *scoring.Result) {
	j.mtx.Lock()
	j.state = JobDone
	j.attribution = attr
	j.scoring = score
	j.mtx.Unlock()

	close(j.Done)
}

func (j *Job) fail(err error) {
	j.mtx.Lock()
	j.state = JobFailed
	j.err = err
	j.mtx.Unlock()

	close(j.Done)
}

// RunAttribution enqueues a full attribution rebuild and returns its
// job handle. The engine must be started for enqueued jobs to execute.
func (e *Engine) RunAttribution(ctx context.Context) (*Job, error) {
	return e.enqueue(ctx, &Job{
		ID:   atomic.AddUint64(&e.nextJobID, 1),
		Kind: JobAttribution,
		Done: make(chan struct{}),
	})
}

// RunScoring enqueues a scoring run over the given seed addresses with
// the given parameters and returns its job handle. Invalid parameters
// fail here, before anything is enqueued.
func (e *Engine) RunScoring(ctx context.Context, seeds []models.AddrID,
	params scoring.Params) (*Job, error) {

	if err := params.Validate(); err != nil {
		return nil, err
	}

	return e.enqueue(ctx, &Job{
		ID:     atomic.AddUint64(&e.nextJobID, 1),
		Kind:   JobScoring,
		Done:   make(chan struct{}),
		seeds:  seeds,
		params: params,
	})
}

// SeedsFromLabels collects every address carrying at least one label
// of a risky category. The result is sorted and duplicate free, ready
// to seed a scoring run.
func (e *Engine) SeedsFromLabels(ctx context.Context) ([]models.AddrID,
	error) {

	addrs, err := e.cfg.Store.SearchAddresses(ctx, "", 0)
	if err != nil {
		return nil, err
	}

	var seeds []models.AddrID
	for _, addr := range addrs {
		labels, err := e.cfg.Store.GetAddressLabels(ctx, addr)
		switch {
		case errors.Is(err, graph.ErrNotFound):
			continue

		case err != nil:
			return nil, err
		}

		for _, label := range labels {
			if label.Category.Risky() {
				seeds = append(seeds, addr)
				break
			}
		}
	}

	return seeds, nil
}

// enqueue registers the job as pending and hands it to the queue.
func (e *Engine) enqueue(ctx context.Context, job *Job) (*Job, error) {
	e.jobMtx.Lock()
	e.pending[job.ID] = job
	e.jobMtx.Unlock()

	select {
	case e.jobQueue.ChanIn() <- job:
		log.Debugf("Job %d (%v) enqueued", job.ID, job.Kind)
		return job, nil

	case <-ctx.Done():
		e.forget(job)
		return nil, ctx.Err()

	case <-e.quit:
		e.forget(job)
		return nil, ErrEngineShutdown
	}
}

// forget drops a job from the pending set.
func (e *Engine) forget(job *Job) {
	e.jobMtx.Lock()
	delete(e.pending, job.ID)
	e.jobMtx.Unlock()
}

// jobLoop executes queued jobs strictly one at a time in FIFO order.
func (e *Engine) jobLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case item, ok := <-e.jobQueue.ChanOut():
			if !ok {
				return
			}
			e.runJob(ctx, item.(*Job))

		case <-e.quit:
			return
		}
	}
}

// runJob drives one job from running to a terminal state.
func (e *Engine) runJob(ctx context.Context, job *Job) {
	job.setRunning()
	log.Infof("Job %d (%v) starting", job.ID, job.Kind)

	var (
		attrRes  *attribution.Result
		scoreRes *scoring.Result
		err      error
	)
	switch job.Kind {
	case JobAttribution:
		attrRes, err = e.attributor.Run(ctx)

	case JobScoring:
		scoreRes, err = e.runScoring(ctx, job)

	default:
		err = fmt.Errorf("unknown job kind %d", job.Kind)
	}

	e.forget(job)

	if err != nil {
		log.Errorf("Job %d (%v) failed: %v", job.ID, job.Kind, err)
		job.fail(err)
		return
	}

	switch {
	case attrRes != nil:
		log.Infof("Job %d (%v) done: %d entities from %d txs, "+
			"%d conflicts", job.ID, job.Kind, attrRes.Entities,
			attrRes.TxsScanned, attrRes.Conflicts)

	case scoreRes != nil:
		log.Infof("Job %d (%v) done: %d nodes scored from %d seeds",
			job.ID, job.Kind, scoreRes.NodesScored,
			scoreRes.Seeds)
	}

	job.complete(attrRes, scoreRes)
}

// runScoring builds a scoring engine with the job's parameters and
// executes the run.
func (e *Engine) runScoring(ctx context.Context,
	job *Job) (*scoring.Result, error) {

	scorer, err := scoring.New(scoring.Config{
		Store:  e.cfg.Store,
		Params: job.params,
		Clock:  e.cfg.Clock,
	})
	if err != nil {
		return nil, err
	}

	return scorer.Run(ctx, job.seeds)
}

// recomputeLoop periodically checks whether new data arrived and, when
// it did, schedules an attribution pass followed by a scoring pass.
// Scoring is skipped while no risky labels exist to seed it.
func (e *Engine) recomputeLoop(ctx context.Context) {
	defer e.wg.Done()

	e.cfg.RecomputeTicker.Resume()

	for {
		select {
		case <-e.cfg.RecomputeTicker.Ticks():
			n := atomic.SwapUint64(&e.ingests, 0)
			if n == 0 {
				continue
			}

			log.Debugf("%d ingests since last cycle, scheduling "+
				"recompute", n)

			err := e.scheduleRecompute(ctx)
			if err != nil && !errors.Is(err, ErrEngineShutdown) {
				log.Warnf("Unable to schedule recompute: %v",
					err)
			}

		case <-e.quit:
			return
		}
	}
}

// scheduleRecompute enqueues one attribution job and, when risky
// labels exist, one scoring job seeded from them. FIFO execution
// guarantees the scoring pass sees the rebuilt clusters.
func (e *Engine) scheduleRecompute(ctx context.Context) error {
	if _, err := e.RunAttribution(ctx); err != nil {
		return err
	}

	seeds, err := e.SeedsFromLabels(ctx)
	if err != nil {
		return err
	}
	if len(seeds) == 0 {
		log.Debugf("No risky labels, skipping scoring pass")
		return nil
	}

	_, err = e.RunScoring(ctx, seeds, e.cfg.Scoring)

	return err
}
