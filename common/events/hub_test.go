package events

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func update(executionID uuid.UUID, nodeID string, status string) NodeUpdate {
	return NodeUpdate{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Status:      status,
		Timestamp:   time.Now().UTC(),
	}
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub()
	execID := uuid.New()

	ch1, cancel1 := hub.Subscribe(execID)
	ch2, cancel2 := hub.Subscribe(execID)
	defer cancel1()
	defer cancel2()

	hub.Emit(update(execID, "n1", "running"))

	for _, ch := range []<-chan NodeUpdate{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, "n1", got.NodeID)
			assert.Equal(t, "running", got.Status)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive update")
		}
	}
}

func TestHubFiltersByExecution(t *testing.T) {
	hub := NewHub()
	mine := uuid.New()
	other := uuid.New()

	ch, cancel := hub.Subscribe(mine)
	defer cancel()

	hub.Emit(update(other, "n1", "completed"))

	select {
	case got := <-ch:
		t.Fatalf("received update for foreign execution: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := NewHub()
	execID := uuid.New()

	ch, cancel := hub.Subscribe(execID)
	require.Equal(t, 1, hub.SubscriberCount())

	cancel()
	assert.Equal(t, 0, hub.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Emitting after cancel must not panic
	hub.Emit(update(execID, "n1", "completed"))

	// Double cancel is safe
	cancel()
}

func TestHubDropsOldestWhenSlow(t *testing.T) {
	hub := NewHub()
	execID := uuid.New()

	ch, cancel := hub.Subscribe(execID)
	defer cancel()

	// Overflow the buffer without draining
	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Emit(update(execID, "n1", "running"))
	}
	last := update(execID, "last", "completed")
	hub.Emit(last)

	// Drain; the newest event must have survived
	var got []NodeUpdate
	for {
		select {
		case u := <-ch:
			got = append(got, u)
			continue
		default:
		}
		break
	}

	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), subscriberBuffer)
	assert.Equal(t, "last", got[len(got)-1].NodeID)
}
