package repositories

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-core/internal/apperr"
)

type fakeTransactor struct {
	err   error
	calls int
}

func (f *fakeTransactor) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return fn(ctx)
}

func TestRunAtomicUsesTransactionWhenAvailable(t *testing.T) {
	tx := &fakeTransactor{}
	var txRan, fallbackRan bool

	err := RunAtomic(context.Background(), "test", tx,
		func(context.Context) error { txRan = true; return nil },
		func(context.Context) error { fallbackRan = true; return nil },
	)

	require.NoError(t, err)
	assert.True(t, txRan)
	assert.False(t, fallbackRan)
}

func TestRunAtomicFallsBackWhenUnsupported(t *testing.T) {
	for _, tx := range []Transactor{nil, &fakeTransactor{err: ErrTxUnsupported}} {
		fallbackRuns := 0
		err := RunAtomic(context.Background(), "test", tx,
			func(context.Context) error { t.Fatal("transaction path must not run"); return nil },
			func(context.Context) error { fallbackRuns++; return nil },
		)
		require.NoError(t, err)
		assert.Equal(t, 1, fallbackRuns)
	}
}

func TestRunAtomicRetriesTransientOnce(t *testing.T) {
	tx := &fakeTransactor{err: ErrTransient}
	runs := 0
	err := RunAtomic(context.Background(), "test", tx,
		func(context.Context) error { return nil },
		func(context.Context) error {
			runs++
			if runs == 1 {
				return ErrTransient
			}
			return nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, runs)
}

func TestRunAtomicSurfacesRetryable(t *testing.T) {
	runs := 0
	err := RunAtomic(context.Background(), "test", nil, nil, func(context.Context) error {
		runs++
		return ErrTransient
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrRetryable)
	assert.Equal(t, 2, runs)
}

func TestRunAtomicReturnsPermanentErrors(t *testing.T) {
	boom := errors.New("boom")
	tx := &fakeTransactor{err: boom}
	err := RunAtomic(context.Background(), "test", tx,
		func(context.Context) error { return nil },
		func(context.Context) error { t.Fatal("fallback must not run"); return nil },
	)
	assert.ErrorIs(t, err, boom)
}
