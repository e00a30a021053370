package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"taskplanner/internal/domain"
	"taskplanner/internal/queue"
)

// Handler executes one plan job.
type Handler interface {
	Handle(ctx context.Context, job domain.PlanJob) (domain.PlanResult, error)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type Pool struct {
	repo      queue.Repository
	handler   Handler
	sem       chan struct{}
	wg        sync.WaitGroup
	pollEvery time.Duration
}

func NewPool(repo queue.Repository, handler Handler, size int, pollEvery time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{repo: repo, handler: handler, sem: make(chan struct{}, size), pollEvery: pollEvery}
}

// Run leases and executes jobs until ctx is cancelled, then waits for the
// jobs in flight.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	defer p.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			p.drain(ctx, now)
		}
	}
}

func (p *Pool) drain(ctx context.Context, now time.Time) {
	for {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		job, _, err := p.repo.LeaseNext(ctx, now)
		if err != nil {
			<-p.sem
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				log.Error().Err(err).Msg("lease plan job")
			}
			return
		}
		p.wg.Add(1)
		go func(j domain.PlanJob) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.execute(ctx, j)
		}(job)
	}
}

func (p *Pool) execute(ctx context.Context, j domain.PlanJob) {
	// Bookkeeping must land even when shutdown cancels the run.
	store := context.WithoutCancel(ctx)
	logger := log.With().Str("job_id", j.ID).Int("attempt", j.Attempts+1).Logger()

	c, cancel := context.WithTimeout(ctx, time.Duration(j.VisibilityTimeout)*time.Second)
	defer cancel()
	res, err := p.handler.Handle(c, j)
	switch {
	case err == nil:
		if err := p.repo.Succeed(store, j.ID, res); err != nil {
			logger.Error().Err(err).Msg("record success")
			return
		}
		logger.Info().Int("tasks", len(res.Schedule)).Msg("plan job succeeded")
	case IsPermanent(err):
		if ferr := p.repo.Fail(store, j.ID, err.Error()); ferr != nil {
			logger.Error().Err(ferr).Msg("record failure")
		}
		logger.Warn().Err(err).Msg("plan job failed permanently")
	default:
		next := backoffExp(j.Attempts + 1)
		if rerr := p.repo.Retry(store, j.ID, err.Error(), next); rerr != nil {
			logger.Error().Err(rerr).Msg("record retry")
		}
		logger.Warn().Err(err).Dur("retry_in", next).Msg("plan job failed")
	}
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	if attempts > 7 {
		return 60 * time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
