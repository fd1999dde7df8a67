package supervisor

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespawnDelay(t *testing.T) {
	assert.Equal(t, cooldownDelay, respawnDelay(50))
	assert.Equal(t, cooldownDelay, respawnDelay(59))
	assert.Equal(t, fastRespawn, respawnDelay(49))
	assert.Equal(t, fastRespawn, respawnDelay(60))
	assert.Equal(t, fastRespawn, respawnDelay(1))
}

func TestIsWorker(t *testing.T) {
	t.Setenv(WorkerIDEnv, "")
	os.Unsetenv(WorkerIDEnv)
	_, ok := IsWorker()
	assert.False(t, ok)

	t.Setenv(WorkerIDEnv, "3")
	id, ok := IsWorker()
	require.True(t, ok)
	assert.Equal(t, 3, id)

	t.Setenv(WorkerIDEnv, "not-a-number")
	_, ok = IsWorker()
	assert.False(t, ok)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunHeartbeatLoop(ctx, &buf, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.After(time.Second)
	for buf.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("no heartbeat written in time")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	cancel()
	<-done

	var got []Heartbeat
	readHeartbeats(context.Background(), bytes.NewReader(buf.Bytes()), func(hb Heartbeat) {
		got = append(got, hb)
	})
	require.NotEmpty(t, got)
	assert.Equal(t, os.Getpid(), got[0].PID)
	assert.Greater(t, got[0].TS, int64(0))
}
