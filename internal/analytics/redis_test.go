package analytics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/testutil"
)

func TestBuildKey(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 41, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "pacer:dispatches:r/a:h:2026030208", buildKey("r/a", PeriodHour, at))
	assert.Equal(t, "pacer:dispatches:r/a:d:20260302", buildKey("r/a", PeriodDay, at))
	assert.Equal(t, "pacer:dispatches:r/a:total", buildKey("r/a", PeriodTotal, at))
}

// Runs against a real server when PACER_TEST_REDIS_URL is set.
func TestRedisSink_Counts(t *testing.T) {
	url := os.Getenv("PACER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("PACER_TEST_REDIS_URL not set")
	}
	ctx := testutil.TestContext(t)

	sink, err := Dial(ctx, url, time.Hour, testutil.Logger(t))
	require.NoError(t, err)
	defer sink.Close()

	dest := "r/test-" + uuid.NewString()
	for range 3 {
		sink.Record(ctx, domain.ActionRecord{
			ActionID:     uuid.New(),
			Destination:  dest,
			Kind:         domain.ActionKindComment,
			DispatchedAt: testutil.Epoch,
		})
	}

	for _, p := range []Period{PeriodHour, PeriodDay, PeriodTotal} {
		n, err := sink.count(ctx, dest, p, testutil.Epoch)
		require.NoError(t, err)
		assert.Equal(t, 3, n, p)
	}

	n, err := sink.count(ctx, dest, PeriodHour, testutil.Epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDial_BadURL(t *testing.T) {
	_, err := Dial(context.Background(), "not a url", time.Hour, nil)
	assert.Error(t, err)
}
