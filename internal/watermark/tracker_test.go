package watermark_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/octoingest/internal/database/mocks"
	"github.com/tejusbharadwaj/octoingest/internal/models"
	"github.com/tejusbharadwaj/octoingest/internal/watermark"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func at(hour, min int) time.Time {
	return time.Date(2025, 1, 1, hour, min, 0, 0, time.UTC)
}

func readings(times ...time.Time) []models.CanonicalReading {
	out := make([]models.CanonicalReading, len(times))
	for i, ts := range times {
		out[i] = models.CanonicalReading{MeterID: "m1", Time: ts, Quantity: float64(i)}
	}
	return out
}

func timesOf(rs []models.CanonicalReading) []time.Time {
	out := make([]time.Time, len(rs))
	for i, r := range rs {
		out[i] = r.Time
	}
	return out
}

func TestFilterNew(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockWatermarkRepository(ctrl)
	store.EXPECT().Load(gomock.Any(), "m1").Return(at(1, 0), true, nil)
	store.EXPECT().Load(gomock.Any(), "m2").Return(time.Time{}, false, nil)

	tracker := watermark.NewTracker(store, quietLogger())
	require.NoError(t, tracker.Load(context.Background(), []string{"m1", "m2"}))

	input := readings(at(2, 0), at(0, 30), at(1, 0), at(1, 30), at(2, 0), at(3, 0))

	t.Run("keeps strictly newer, sorted, deduplicated", func(t *testing.T) {
		got := tracker.FilterNew("m1", input)
		assert.Equal(t, []time.Time{at(1, 30), at(2, 0), at(3, 0)}, timesOf(got))
		// First occurrence of 02:00 wins.
		assert.Equal(t, 0.0, got[1].Quantity)
	})

	t.Run("idempotent before advance", func(t *testing.T) {
		assert.Equal(t, tracker.FilterNew("m1", input), tracker.FilterNew("m1", input))
	})

	t.Run("no watermark keeps everything", func(t *testing.T) {
		got := tracker.FilterNew("m2", input)
		assert.Len(t, got, 5)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, tracker.FilterNew("m1", nil))
	})
}

func TestAdvance(t *testing.T) {
	ctx := context.Background()

	t.Run("persists then moves forward", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		store := mocks.NewMockWatermarkRepository(ctrl)
		gomock.InOrder(
			store.EXPECT().Save(gomock.Any(), "m1", at(1, 0)).Return(nil),
			store.EXPECT().Save(gomock.Any(), "m1", at(2, 0)).Return(nil),
		)

		tracker := watermark.NewTracker(store, quietLogger())
		require.NoError(t, tracker.Advance(ctx, "m1", at(1, 0)))
		require.NoError(t, tracker.Advance(ctx, "m1", at(2, 0)))

		w, ok := tracker.Watermark("m1")
		require.True(t, ok)
		assert.Equal(t, at(2, 0), w)
	})

	t.Run("never moves back", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		store := mocks.NewMockWatermarkRepository(ctrl)
		store.EXPECT().Save(gomock.Any(), "m1", at(2, 0)).Return(nil).Times(1)

		tracker := watermark.NewTracker(store, quietLogger())
		require.NoError(t, tracker.Advance(ctx, "m1", at(2, 0)))
		require.NoError(t, tracker.Advance(ctx, "m1", at(1, 0)))
		require.NoError(t, tracker.Advance(ctx, "m1", at(2, 0)))

		w, _ := tracker.Watermark("m1")
		assert.Equal(t, at(2, 0), w)
	})

	t.Run("failed persist leaves memory unchanged", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		storeErr := errors.New("connection reset")
		store := mocks.NewMockWatermarkRepository(ctrl)
		store.EXPECT().Save(gomock.Any(), "m1", at(1, 0)).Return(nil)
		store.EXPECT().Save(gomock.Any(), "m1", at(2, 0)).Return(storeErr)

		tracker := watermark.NewTracker(store, quietLogger())
		require.NoError(t, tracker.Advance(ctx, "m1", at(1, 0)))

		err := tracker.Advance(ctx, "m1", at(2, 0))
		assert.ErrorIs(t, err, storeErr)

		w, _ := tracker.Watermark("m1")
		assert.Equal(t, at(1, 0), w)
		assert.Len(t, tracker.FilterNew("m1", readings(at(1, 30))), 1)
	})

	t.Run("load failure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		store := mocks.NewMockWatermarkRepository(ctrl)
		store.EXPECT().Load(gomock.Any(), "m1").Return(time.Time{}, false, errors.New("boom"))

		tracker := watermark.NewTracker(store, quietLogger())
		assert.Error(t, tracker.Load(ctx, []string{"m1"}))
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := watermark.NewMemoryStore()

	_, ok, err := store.Load(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save(ctx, "m1", at(2, 0)))
	require.NoError(t, store.Save(ctx, "m1", at(1, 0)))

	w, ok, err := store.Load(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, at(2, 0), w)

	tracker := watermark.NewTracker(store, quietLogger())
	require.NoError(t, tracker.Load(ctx, []string{"m1", "m2"}))
	got, _ := tracker.Watermark("m1")
	assert.Equal(t, at(2, 0), got)
}
