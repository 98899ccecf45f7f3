package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubmitAndWait(t *testing.T) {
	p := New(4)
	ctx := context.Background()

	f := Submit(ctx, p, func() (int, error) { return 42, nil })
	v, err := f.Wait()
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestSubmitError(t *testing.T) {
	p := New(2)
	wantErr := errors.New("scan failed")

	f := Submit(context.Background(), p, func() ([]string, error) { return nil, wantErr })
	_, err := f.Wait()
	require.ErrorIs(t, err, wantErr)
}

func TestSubmitPanicIsCaptured(t *testing.T) {
	p := New(1)

	f := Submit(context.Background(), p, func() (int, error) { panic("boom") })
	_, err := f.Wait()
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestConcurrencyBound(t *testing.T) {
	const size = 3
	p := New(size)
	require.Equal(t, size, p.Size())

	var running, peak atomic.Int32
	gate := make(chan struct{})

	futures := make([]*Future[struct{}], 0, 16)
	for i := 0; i < 16; i++ {
		futures = append(futures, Submit(context.Background(), p, func() (struct{}, error) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-gate
			running.Add(-1)
			return struct{}{}, nil
		}))
	}

	close(gate)
	for _, f := range futures {
		_, err := f.Wait()
		require.NoError(t, err)
	}
	require.LessOrEqual(t, peak.Load(), int32(size))
}

func TestCancelledContext(t *testing.T) {
	p := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Burn the only slot so admission has to consult the context.
	gate := make(chan struct{})
	busy := Submit(context.Background(), p, func() (struct{}, error) {
		<-gate
		return struct{}{}, nil
	})

	f := Submit(ctx, p, func() (int, error) { return 1, nil })
	_, err := f.Wait()
	require.ErrorIs(t, err, context.Canceled)

	close(gate)
	_, err = busy.Wait()
	require.NoError(t, err)
}
