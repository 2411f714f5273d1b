package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

type fakeBlobArchiver struct {
	cutoffs []time.Time
	n       int64
	err     error
}

func (f *fakeBlobArchiver) ArchiveTriggers(_ context.Context, before time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, before)
	return f.n, f.err
}

type fakeLocks struct {
	held     bool
	err      error
	released int
}

func (f *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.held {
		return nil, domain.ErrLockHeld
	}
	return func() { f.released++ }, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var now = time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)

func TestRunOnceUsesRetentionCutoff(t *testing.T) {
	blob := &fakeBlobArchiver{n: 4}
	locks := &fakeLocks{}
	a := NewArchiver(blob, locks, 30, discard())
	a.now = func() time.Time { return now }

	n, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	require.Len(t, blob.cutoffs, 1)
	assert.Equal(t, time.Date(2026, 1, 31, 11, 0, 0, 0, time.UTC), blob.cutoffs[0])
	assert.Equal(t, 1, locks.released)
}

func TestRunOnceSkipsWhenLocked(t *testing.T) {
	blob := &fakeBlobArchiver{}
	a := NewArchiver(blob, &fakeLocks{held: true}, 30, discard())

	n, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blob.cutoffs)
}

func TestRunOnceErrors(t *testing.T) {
	a := NewArchiver(&fakeBlobArchiver{}, &fakeLocks{err: errors.New("redis down")}, 30, discard())
	_, err := a.RunOnce(context.Background())
	require.ErrorContains(t, err, "archive lock")

	locks := &fakeLocks{}
	a = NewArchiver(&fakeBlobArchiver{err: errors.New("s3 down")}, locks, 30, discard())
	_, err = a.RunOnce(context.Background())
	require.ErrorContains(t, err, "s3 down")
	assert.Equal(t, 1, locks.released)
}

func TestRunCronStopsOnCancel(t *testing.T) {
	a := NewArchiver(&fakeBlobArchiver{}, nil, 30, discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, a.RunCron(ctx, "0 11 * * *"), context.Canceled)
	require.Error(t, a.RunCron(context.Background(), "every day"))
}

func TestNextCronTime(t *testing.T) {
	tests := []struct {
		expr  string
		after time.Time
		want  time.Time
	}{
		{"0 11 * * *", now, time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC)},
		{"30 * * * *", now, time.Date(2026, 3, 2, 11, 30, 0, 0, time.UTC)},
		{"0 3 1 * *", now, time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC)},
		{"15,45 9 * * 1", now, time.Date(2026, 3, 9, 9, 15, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := nextCronTime(tt.expr, tt.after)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := nextCronTime("* * *", now)
	require.Error(t, err)
	require.Error(t, ValidateCron("x * * * *"))
}
