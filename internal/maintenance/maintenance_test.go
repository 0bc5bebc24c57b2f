package maintenance

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kaigi-labs/kaigi/internal/model"
	"github.com/kaigi-labs/kaigi/internal/store"
)

func openTestStore(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maintenance.sqlite")
	db, err := store.Open(context.Background(), path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestGetStatsOnEmptyStore(t *testing.T) {
	db := openTestStore(t)
	m := New(db, nil, nil, 0)

	stats, err := m.GetStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, stats.NodeCount)
	require.Equal(t, 0, stats.EdgeCount)
	require.Equal(t, 0.0, stats.AvgSimilarity)
	require.Equal(t, 0, stats.WorkerQueueDepth)
	require.Equal(t, float64(0), stats.CombinedHitRate)
}

func TestHealthCheckHealthyOnFreshStore(t *testing.T) {
	db := openTestStore(t)
	m := New(db, nil, nil, 0)

	report := m.HealthCheck(context.Background())
	require.Equal(t, StatusHealthy, report.Status)
	require.Empty(t, report.Issues)
}

func TestHealthCheckWarnsWhenNodeCountExceedsThreshold(t *testing.T) {
	db := openTestStore(t)
	for i := 0; i < 3; i++ {
		node := model.DecisionNode{
			Question:           fmt.Sprintf("question %d", i),
			QuestionNormalized: fmt.Sprintf("question %d", i),
			ConsensusStatus:    model.ConsensusNoVotes,
			Participants:       []string{"claude@anthropic"},
		}
		_, err := db.SaveDecision(context.Background(), node, nil)
		require.NoError(t, err)
	}

	m := New(db, nil, nil, 2)
	report := m.HealthCheck(context.Background())
	require.Equal(t, StatusNeedsAttention, report.Status)
	require.Len(t, report.Issues, 1)
	require.Contains(t, report.Issues[0], "node_count 3 exceeds warning threshold 2")
}

func TestHealthCheckDefaultsThresholdWhenZero(t *testing.T) {
	m := &Monitor{nodeCountWarning: 0}
	require.Equal(t, 0, m.nodeCountWarning)
	m2 := New(nil, nil, nil, 0)
	require.Equal(t, DefaultNodeCountWarning, m2.nodeCountWarning)
}
