package streaming

import (
	"context"
	"testing"
	"testing/synctest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/events/bus"
)

// The pumps are not started in these tests, so clients just accumulate
// envelopes in their send buffers.
func newHubClient(hub *Hub, id string, patterns ...string) *Client {
	return NewClient(id, nil, hub, patterns, logger.Default())
}

func drain(c *Client) []*envelope {
	var out []*envelope
	for {
		select {
		case env := <-c.sendCh:
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestHubRelaysEventsToClients(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		eventBus := bus.NewMemoryEventBus(logger.Default())
		defer eventBus.Close()

		hub := NewHub(eventBus, logger.Default())
		require.NoError(t, hub.Start(context.Background()))
		defer hub.Stop()

		client := newHubClient(hub, "c1")
		hub.Register(client)
		synctest.Wait()
		require.Equal(t, 1, hub.ClientCount())

		event := bus.NewEvent("task.completed", "queue", map[string]interface{}{"task_id": "t1"})
		require.NoError(t, eventBus.Publish(context.Background(), bus.EventSubject("task.completed"), event))
		synctest.Wait()

		envelopes := drain(client)
		require.Len(t, envelopes, 1)
		assert.Equal(t, "events.task.completed", envelopes[0].Subject)
		assert.Equal(t, "task.completed", envelopes[0].Event.Type)
	})
}

func TestHubFiltersBySubjectPattern(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		eventBus := bus.NewMemoryEventBus(logger.Default())
		defer eventBus.Close()

		hub := NewHub(eventBus, logger.Default())
		require.NoError(t, hub.Start(context.Background()))
		defer hub.Stop()

		taskClient := newHubClient(hub, "tasks-only", "events.task.*")
		allClient := newHubClient(hub, "everything")
		hub.Register(taskClient)
		hub.Register(allClient)
		synctest.Wait()

		ctx := context.Background()
		require.NoError(t, eventBus.Publish(ctx, bus.EventSubject("task.completed"),
			bus.NewEvent("task.completed", "queue", nil)))
		require.NoError(t, eventBus.Publish(ctx, bus.EventSubject("agent.offline"),
			bus.NewEvent("agent.offline", "registry", nil)))
		synctest.Wait()

		assert.Len(t, drain(taskClient), 1)
		assert.Len(t, drain(allClient), 2)
	})
}

func TestHubUnregister(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		eventBus := bus.NewMemoryEventBus(logger.Default())
		defer eventBus.Close()

		hub := NewHub(eventBus, logger.Default())
		require.NoError(t, hub.Start(context.Background()))
		defer hub.Stop()

		client := newHubClient(hub, "c1")
		hub.Register(client)
		synctest.Wait()
		require.Equal(t, 1, hub.ClientCount())

		hub.Unregister(client)
		synctest.Wait()
		assert.Equal(t, 0, hub.ClientCount())

		require.NoError(t, eventBus.Publish(context.Background(), bus.EventSubject("task.completed"),
			bus.NewEvent("task.completed", "queue", nil)))
		synctest.Wait()
		assert.Empty(t, drain(client))
	})
}

func TestHubDropsLaggard(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		eventBus := bus.NewMemoryEventBus(logger.Default())
		defer eventBus.Close()

		hub := NewHub(eventBus, logger.Default())
		require.NoError(t, hub.Start(context.Background()))
		defer hub.Stop()

		client := newHubClient(hub, "slow")
		hub.Register(client)
		synctest.Wait()

		// Nobody drains the client; once its buffer fills the hub must cut
		// it loose rather than stall the relay loop.
		ctx := context.Background()
		for i := 0; i < cap(client.sendCh)+8; i++ {
			require.NoError(t, eventBus.Publish(ctx, bus.EventSubject("task.submitted"),
				bus.NewEvent("task.submitted", "queue", nil)))
		}
		synctest.Wait()

		assert.Equal(t, 0, hub.ClientCount())
	})
}

func TestHubRegisterAfterStopIsNoop(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(logger.Default())
	defer eventBus.Close()

	hub := NewHub(eventBus, logger.Default())
	hub.Register(newHubClient(hub, "c1"))
	assert.Equal(t, 0, hub.ClientCount())

	require.NoError(t, hub.Start(context.Background()))
	hub.Stop()
	hub.Register(newHubClient(hub, "c2"))
	assert.Equal(t, 0, hub.ClientCount())
}

func TestClientWants(t *testing.T) {
	client := newHubClient(nil, "c1", "events.task.*", "events.workflow.>")

	assert.True(t, client.wants("events.task.completed"))
	assert.True(t, client.wants("events.workflow.step.completed"))
	assert.False(t, client.wants("events.agent.offline"))

	// Default pattern receives everything.
	all := newHubClient(nil, "c2")
	assert.True(t, all.wants("events.agent.offline"))
}
