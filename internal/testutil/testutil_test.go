package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenStoreIsUsable(t *testing.T) {
	db := OpenStore(t)
	n, err := db.CountDecisions(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestFakeAdapterScriptsResponsesInOrder(t *testing.T) {
	a := &FakeAdapter{
		AdapterName: "fake",
		Responses: []FakeResponse{
			{Text: "first"},
			{Err: errors.New("boom")},
		},
	}
	text, err := a.Invoke(context.Background(), "m", "p")
	require.NoError(t, err)
	require.Equal(t, "first", text)

	_, err = a.Invoke(context.Background(), "m", "p")
	require.Error(t, err)

	// Exhausted scripts repeat the last response.
	_, err = a.Invoke(context.Background(), "m", "p")
	require.Error(t, err)
}

func TestFakeClockAdvances(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)
	require.Equal(t, start, clock.Now())
	clock.Advance(time.Hour)
	require.Equal(t, start.Add(time.Hour), clock.Now())
}
