package payout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"settleflow/deal"
)

// scriptedTransferer returns the queued responses per recipient, in order.
type scriptedTransferer struct {
	mu      sync.Mutex
	scripts map[string][]error
	calls   map[string]int
}

func newScripted() *scriptedTransferer {
	return &scriptedTransferer{
		scripts: make(map[string][]error),
		calls:   make(map[string]int),
	}
}

func (s *scriptedTransferer) fail(recipientID string, errs ...error) {
	s.scripts[recipientID] = errs
}

func (s *scriptedTransferer) Transfer(_ context.Context, item deal.PayoutItem) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.calls[item.RecipientID]
	s.calls[item.RecipientID] = n + 1
	if queue := s.scripts[item.RecipientID]; n < len(queue) {
		return "", queue[n]
	}
	return "tr_test_" + item.RecipientID, nil
}

func (s *scriptedTransferer) callCount(recipientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[recipientID]
}

type memRecorder struct {
	mu        sync.Mutex
	completed map[string]string
	failed    map[string]string
}

func newMemRecorder() *memRecorder {
	return &memRecorder{
		completed: make(map[string]string),
		failed:    make(map[string]string),
	}
}

func (m *memRecorder) CompletePayout(_ context.Context, recipientID, providerRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[recipientID] = providerRef
	return nil
}

func (m *memRecorder) FailPayout(_ context.Context, recipientID, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[recipientID] = cause
	return nil
}

func items(ids ...string) []deal.PayoutItem {
	out := make([]deal.PayoutItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, deal.PayoutItem{
			RecipientID: id,
			DealID:      "deal-1",
			Amount:      100_000,
			Currency:    "KZT",
		})
	}
	return out
}

func newTestRunner(tr Transferer, rec Recorder) *Runner {
	r := NewRunner(tr, rec, zap.NewNop())
	r.callTimeout = time.Second
	r.maxElapsed = 5 * time.Second
	return r
}

func TestRunnerCompletesAllItems(t *testing.T) {
	tr := newScripted()
	rec := newMemRecorder()
	r := newTestRunner(tr, rec)

	r.Dispatch("deal-1", items("r1", "r2", "r3"))
	r.Wait()

	require.Len(t, rec.completed, 3)
	assert.Empty(t, rec.failed)
	for id, ref := range rec.completed {
		assert.True(t, strings.HasPrefix(ref, "tr_test_"), "recipient %s ref %s", id, ref)
	}
}

func TestRunnerRetriesTransientFailure(t *testing.T) {
	tr := newScripted()
	tr.fail("r1", errors.New("provider 503"))
	rec := newMemRecorder()
	r := newTestRunner(tr, rec)

	r.Dispatch("deal-1", items("r1"))
	r.Wait()

	assert.Equal(t, 2, tr.callCount("r1"))
	assert.Equal(t, "tr_test_r1", rec.completed["r1"])
	assert.Empty(t, rec.failed)
}

func TestRunnerPermanentFailureFailsFast(t *testing.T) {
	tr := newScripted()
	tr.fail("r1", ErrPermanent, ErrPermanent)
	rec := newMemRecorder()
	r := newTestRunner(tr, rec)

	r.Dispatch("deal-1", items("r1"))
	r.Wait()

	assert.Equal(t, 1, tr.callCount("r1"), "permanent errors must not retry")
	assert.Empty(t, rec.completed)
	require.Contains(t, rec.failed, "r1")
	assert.Contains(t, rec.failed["r1"], "permanent")
}

func TestRunnerRecipientsFailIndependently(t *testing.T) {
	tr := newScripted()
	tr.fail("bad", ErrPermanent)
	rec := newMemRecorder()
	r := newTestRunner(tr, rec)

	r.Dispatch("deal-1", items("good", "bad"))
	r.Wait()

	assert.Equal(t, "tr_test_good", rec.completed["good"])
	assert.Contains(t, rec.failed, "bad")
}

func TestLocalTransferer(t *testing.T) {
	ref, err := LocalTransferer{}.Transfer(context.Background(), deal.PayoutItem{RecipientID: "r1"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "tr_"))
}
