//go:build integration

package audio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListDevicesIntegration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	devices, err := ListDevices(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, devices)
}

func TestMicSourceCapturesIntegration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	src := &MicSource{Input: "default", Keep: true}
	chunks, err := src.Open(ctx)
	require.NoError(t, err)

	select {
	case chunk := <-chunks:
		require.NotEmpty(t, chunk)
	case <-ctx.Done():
		t.Fatal("no audio captured")
	}
	require.NoError(t, src.Close())
}
