/**
 * @description
 * Cron scheduler for the ledger's background jobs. The pending-payment sweeper
 * re-verifies charges the gateway has not settled yet through the same VerifyPayment
 * path the API and webhooks use.
 */
package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/transfa/ledger-service/internal/store"
)

const (
	defaultSweepSchedule = "@every 2m"
	defaultSweepMinAge   = 5 * time.Minute
	defaultSweepBatch    = 50
	sweepTimeout         = 90 * time.Second
)

// PaymentSweeper re-verifies pending and processing payments older than minAge.
type PaymentSweeper struct {
	service *Service
	repo    store.Repository
	minAge  time.Duration
	batch   int
	metrics *Metrics
	now     func() time.Time
}

func NewPaymentSweeper(service *Service, repo store.Repository, minAge time.Duration, batch int) *PaymentSweeper {
	if minAge <= 0 {
		minAge = defaultSweepMinAge
	}
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	return &PaymentSweeper{
		service: service,
		repo:    repo,
		minAge:  minAge,
		batch:   batch,
		now:     time.Now,
	}
}

func (p *PaymentSweeper) SetMetrics(metrics *Metrics) {
	p.metrics = metrics
}

// Run is the cron entry point.
func (p *PaymentSweeper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if _, err := p.Sweep(ctx); err != nil {
		log.Printf("level=error component=sweeper msg=\"sweep failed\" err=%q", err.Error())
	}
}

// Sweep makes one pass and returns how many payments reached a terminal state.
func (p *PaymentSweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := p.repo.ListStalePayments(ctx, p.now().Add(-p.minAge), p.batch)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, payment := range stale {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		_, err := p.service.VerifyPayment(ctx, payment.Reference, nil)
		switch {
		case err == nil:
			settled++
			p.metrics.ObserveSweep("settled")
		case errors.Is(err, ErrPaymentNotSettled):
			p.metrics.ObserveSweep("pending")
		case errors.Is(err, store.ErrInsufficientFunds):
			settled++
			p.metrics.ObserveSweep("failed")
		default:
			p.metrics.ObserveSweep("error")
			log.Printf("level=warn component=sweeper msg=\"verify failed\" reference=%s err=%q", payment.Reference, err.Error())
		}
	}
	if len(stale) > 0 {
		log.Printf("level=info component=sweeper msg=\"sweep finished\" candidates=%d settled=%d", len(stale), settled)
	}
	return settled, nil
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron          *cron.Cron
	sweeper       *PaymentSweeper
	sweepSchedule string
}

func NewScheduler(sweeper *PaymentSweeper, sweepSchedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	if sweepSchedule == "" {
		sweepSchedule = defaultSweepSchedule
	}
	return &Scheduler{
		cron:          c,
		sweeper:       sweeper,
		sweepSchedule: sweepSchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.sweepSchedule, s.sweeper.Run); err != nil {
		return err
	}
	log.Printf("level=info component=sweeper msg=\"scheduled pending payment sweep\" schedule=%q", s.sweepSchedule)
	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
