package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gene-curation-server/internal/domain"
)

func TestProgressHubBroadcast(t *testing.T) {
	hub := NewProgressHub()

	ch, cancel := hub.Subscribe("clingen")
	defer cancel()

	hub.Broadcast("clingen", domain.BatchResult{SourceName: "clingen", Succeeded: 3})

	select {
	case snapshot := <-ch:
		assert.Equal(t, "clingen", snapshot.SourceName)
		assert.Equal(t, 3, snapshot.Succeeded)
	default:
		t.Fatal("expected a snapshot")
	}
}

func TestProgressHubIsolatesSources(t *testing.T) {
	hub := NewProgressHub()

	clingen, cancelA := hub.Subscribe("clingen")
	defer cancelA()
	panelapp, cancelB := hub.Subscribe("panelapp")
	defer cancelB()

	hub.Broadcast("clingen", domain.BatchResult{SourceName: "clingen"})

	require.Len(t, clingen, 1)
	assert.Empty(t, panelapp)
}

func TestProgressHubCancelStopsDelivery(t *testing.T) {
	hub := NewProgressHub()

	ch, cancel := hub.Subscribe("clingen")
	cancel()

	hub.Broadcast("clingen", domain.BatchResult{SourceName: "clingen"})

	assert.Empty(t, ch)
}

func TestProgressHubDropsWhenSubscriberSlow(t *testing.T) {
	hub := NewProgressHub()

	ch, cancel := hub.Subscribe("clingen")
	defer cancel()

	// Overfill the buffered channel; extra snapshots are dropped, not blocked on.
	for i := 0; i < 50; i++ {
		hub.Broadcast("clingen", domain.BatchResult{Total: i})
	}

	assert.Len(t, ch, 16)
}
