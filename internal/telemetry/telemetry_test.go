package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitWithEmptyEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "kaigi", "test", true)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
