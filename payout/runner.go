// Package payout drives recipient disbursements against the payout provider
// after the back office initiates them. All calls happen outside the
// initiating transaction; outcomes are written back through the deal service.
package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"settleflow/deal"
)

// Transferer sends one disbursement to the payout provider and returns its
// reference. Implementations must be safe for concurrent use.
type Transferer interface {
	Transfer(ctx context.Context, item deal.PayoutItem) (providerRef string, err error)
}

// ErrPermanent wraps provider failures that retrying cannot fix
// (closed account, invalid beneficiary). The runner fails the payout
// immediately instead of burning the retry budget.
var ErrPermanent = errors.New("payout: permanent provider failure")

// Recorder is the slice of the deal service the runner writes results to.
type Recorder interface {
	CompletePayout(ctx context.Context, recipientID, providerRef string) error
	FailPayout(ctx context.Context, recipientID, cause string) error
}

// LocalTransferer mints transfer references without calling a provider,
// for sandbox use.
type LocalTransferer struct{}

func (LocalTransferer) Transfer(_ context.Context, item deal.PayoutItem) (string, error) {
	return "tr_" + uuid.NewString(), nil
}

// Runner satisfies deal.PayoutDispatcher. Each dispatch fans out one goroutine
// per item with bounded retries; recipients fail independently.
type Runner struct {
	transferer Transferer
	recorder   Recorder
	log        *zap.Logger

	callTimeout time.Duration
	maxElapsed  time.Duration
	maxParallel int

	wg sync.WaitGroup
}

func NewRunner(transferer Transferer, recorder Recorder, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		transferer:  transferer,
		recorder:    recorder,
		log:         log,
		callTimeout: 15 * time.Second,
		maxElapsed:  2 * time.Minute,
		maxParallel: 4,
	}
}

// SetRecorder breaks the construction cycle with the deal service; main
// wires it after both exist.
func (r *Runner) SetRecorder(rec Recorder) { r.recorder = rec }

// Dispatch processes the items asynchronously and returns immediately, so the
// initiating request is never held open on provider latency.
func (r *Runner) Dispatch(dealID string, items []deal.PayoutItem) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(context.Background(), dealID, items)
	}()
}

// Wait blocks until in-flight dispatches settle. Used by shutdown and tests.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, dealID string, items []deal.PayoutItem) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxParallel)
	for _, item := range items {
		item := item
		g.Go(func() error {
			r.process(ctx, item)
			return nil
		})
	}
	g.Wait()
	r.log.Info("payout batch settled", zap.String("deal_id", dealID), zap.Int("items", len(items)))
}

func (r *Runner) process(ctx context.Context, item deal.PayoutItem) {
	ref, err := r.transfer(ctx, item)
	if err != nil {
		r.log.Warn("payout failed",
			zap.String("deal_id", item.DealID),
			zap.String("recipient_id", item.RecipientID),
			zap.Error(err))
		if recErr := r.recorder.FailPayout(ctx, item.RecipientID, err.Error()); recErr != nil {
			r.log.Error("record payout failure", zap.String("recipient_id", item.RecipientID), zap.Error(recErr))
		}
		return
	}
	if recErr := r.recorder.CompletePayout(ctx, item.RecipientID, ref); recErr != nil {
		r.log.Error("record payout completion", zap.String("recipient_id", item.RecipientID), zap.Error(recErr))
	}
}

func (r *Runner) transfer(ctx context.Context, item deal.PayoutItem) (string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxElapsedTime = r.maxElapsed

	var ref string
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
		got, err := r.transferer.Transfer(callCtx, item)
		if err != nil {
			if errors.Is(err, ErrPermanent) {
				return backoff.Permanent(err)
			}
			return err
		}
		ref = got
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return "", fmt.Errorf("payout: transfer %s: %w", item.RecipientID, err)
	}
	return ref, nil
}
