package sweep

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/soldiers/internal/entitlement/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"
)

// slowReconciler holds every call until its context is cancelled and then
// takes a little longer to finish.
type slowReconciler struct {
	once     sync.Once
	started  chan struct{}
	finished atomic.Int32
}

func (r *slowReconciler) Reconcile(ctx context.Context, req domain.ReconcileRequest) (*domain.Result, error) {
	r.once.Do(func() { close(r.started) })
	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)
	r.finished.Add(1)
	return nil, ctx.Err()
}

func TestRegisterLoopStopWaitsForRunningSweep(t *testing.T) {
	rec := &slowReconciler{started: make(chan struct{})}
	sweeper := newTestSweeper(t, &fakeReconciler{}, nil)
	sweeper.svc = rec

	lc := fxtest.NewLifecycle(t)
	RegisterLoop(lc, sweeper.cfg, sweeper, zaptest.NewLogger(t))
	lc.RequireStart()

	select {
	case <-rec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep never reached the reconciler")
	}

	lc.RequireStop()
	assert.Positive(t, rec.finished.Load())
}

func TestRegisterLoopDisabledAddsNoHooks(t *testing.T) {
	sweeper := newTestSweeper(t, &fakeReconciler{}, nil)
	cfg := sweeper.cfg
	cfg.Enabled = false

	lc := fxtest.NewLifecycle(t)
	RegisterLoop(lc, cfg, sweeper, zaptest.NewLogger(t))
	require.NoError(t, lc.Start(context.Background()))
	require.NoError(t, lc.Stop(context.Background()))
}
