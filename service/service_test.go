/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-admission/log/logtest"
)

type mockUnit struct {
	startErr  error
	stopErr   error
	block     chan struct{}
	started   atomic.Bool
	stopped   atomic.Bool
	gracefull atomic.Bool
}

func newMockUnit() *mockUnit {
	return &mockUnit{block: make(chan struct{})}
}

func (u *mockUnit) Start(fatalErr chan<- error) {
	u.started.Store(true)
	if u.startErr != nil {
		fatalErr <- u.startErr
		return
	}
	<-u.block
}

func (u *mockUnit) Stop(gracefully bool) error {
	if u.stopped.CompareAndSwap(false, true) {
		u.gracefull.Store(gracefully)
		close(u.block)
	}
	return u.stopErr
}

func TestService_Start(t *testing.T) {
	t.Run("stops gracefully on context cancel", func(t *testing.T) {
		u := newMockUnit()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error)
		go func() { done <- New(logtest.NewRecorder(), u).Start(ctx) }()
		require.Eventually(t, u.started.Load, time.Second, 5*time.Millisecond)
		cancel()
		require.NoError(t, <-done)
		require.True(t, u.stopped.Load())
		require.True(t, u.gracefull.Load())
	})

	t.Run("returns fatal error of the unit", func(t *testing.T) {
		u := newMockUnit()
		u.startErr = errors.New("listen tcp: address in use")
		err := New(logtest.NewRecorder(), u).Start(context.Background())
		require.ErrorIs(t, err, u.startErr)
	})
}

func TestCompositeUnit(t *testing.T) {
	t.Run("failure of one unit stops the others", func(t *testing.T) {
		ok := newMockUnit()
		failing := newMockUnit()
		failing.startErr = errors.New("backend unreachable")
		cu := NewCompositeUnit(ok, failing)

		fatalErr := make(chan error, 1)
		cu.Start(fatalErr)
		err := <-fatalErr
		var cuErr *CompositeUnitError
		require.ErrorAs(t, err, &cuErr)
		require.ErrorIs(t, err, failing.startErr)
		require.True(t, ok.stopped.Load())
		require.False(t, ok.gracefull.Load())
	})

	t.Run("stop errors are joined", func(t *testing.T) {
		u1, u2 := newMockUnit(), newMockUnit()
		u1.stopErr = errors.New("first")
		u2.stopErr = errors.New("second")
		err := NewCompositeUnit(u1, u2).Stop(true)
		require.ErrorIs(t, err, u1.stopErr)
		require.ErrorIs(t, err, u2.stopErr)
	})
}

func TestPeriodicWorker(t *testing.T) {
	var runs atomic.Int32
	worker := WorkerFunc(func(ctx context.Context) error {
		if runs.Inc() == 2 {
			return errors.New("sampling failed")
		}
		return nil
	})
	logger := logtest.NewRecorder()
	unit := NewWorkerUnit(NewPeriodicWorker(worker, 10*time.Millisecond, logger, PeriodicWorkerOpts{Name: "sampler"}),
		WorkerUnitOpts{GracefulStopTimeout: time.Second})

	fatalErr := make(chan error, 1)
	go unit.Start(fatalErr)
	require.Eventually(t, func() bool { return runs.Load() >= 4 }, time.Second, 5*time.Millisecond)
	require.NoError(t, unit.Stop(true))
	require.Empty(t, fatalErr)

	_, found := logger.FindEntry("periodic worker run failed")
	require.True(t, found)
}

func TestPeriodicWorker_Stop(t *testing.T) {
	worker := WorkerFunc(func(ctx context.Context) error { return ErrPeriodicWorkerStop })
	pw := NewPeriodicWorker(worker, time.Hour, logtest.NewRecorder(), PeriodicWorkerOpts{})
	require.NoError(t, pw.Run(context.Background()))
}
