package websocket

import (
	"time"

	"nps-dashboard-server/services"
)

// DashboardBroadcaster forwards progress and store changes to connected dashboards.
type DashboardBroadcaster struct {
	hub *Hub
}

// NewDashboardBroadcaster creates a broadcaster over hub.
func NewDashboardBroadcaster(hub *Hub) *DashboardBroadcaster {
	return &DashboardBroadcaster{hub: hub}
}

// Attach subscribes the broadcaster to the tracker and the store, and makes
// the hub greet new clients with the current progress. Call it before Hub.Run.
func (b *DashboardBroadcaster) Attach(progress *services.ProgressTracker, store *services.RecordStore) {
	progress.OnChange(b.ProgressChanged)
	store.OnChange(b.StoreChanged)
	b.hub.Snapshot = func() *Message {
		return &Message{Type: TypeProgress, Timestamp: time.Now(), Data: progress.State()}
	}
}

// ProgressChanged broadcasts the loading indicator state.
func (b *DashboardBroadcaster) ProgressChanged(state services.ProgressState) {
	b.hub.Publish(TypeProgress, state)
}

// StoreChanged tells dashboards to reload their aggregates.
func (b *DashboardBroadcaster) StoreChanged(ev services.StoreEvent) {
	b.hub.Publish(TypeDataChanged, ev)
}
