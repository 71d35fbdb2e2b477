package metrics

import "testing"

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncMessagesSent()
	m.IncMessagesSent()
	m.IncMessagesReceived()
	m.IncErrors()
	m.IncReconnects()
	m.IncHeartbeatTimeouts()
	m.IncDropByReason("replayed_nonce")
	m.IncDropByReason("replayed_nonce")
	m.IncDropByReason("signature_mismatch")

	snap := m.Snapshot()
	if snap.Messages.Sent != 2 {
		t.Fatalf("expected sent=2, got %d", snap.Messages.Sent)
	}
	if snap.Messages.Received != 1 {
		t.Fatalf("expected received=1, got %d", snap.Messages.Received)
	}
	if snap.Messages.Errors != 1 {
		t.Fatalf("expected errors=1, got %d", snap.Messages.Errors)
	}
	if snap.Messages.Dropped != 3 {
		t.Fatalf("expected dropped=3, got %d", snap.Messages.Dropped)
	}
	if snap.Connection.Reconnects != 1 || snap.Connection.HeartbeatTimeouts != 1 {
		t.Fatalf("unexpected connection metrics: %+v", snap.Connection)
	}
	if snap.DropByReason["replayed_nonce"] != 2 || snap.DropByReason["signature_mismatch"] != 1 {
		t.Fatalf("unexpected drop_by_reason: %+v", snap.DropByReason)
	}
}

func TestMetricsConnectedUptime(t *testing.T) {
	m := New()
	if snap := m.Snapshot(); snap.Connection.Connected || snap.Connection.UptimeSeconds != 0 {
		t.Fatalf("expected disconnected with zero uptime before SetConnected")
	}
	m.SetConnected(true)
	snap := m.Snapshot()
	if !snap.Connection.Connected {
		t.Fatalf("expected connected=true")
	}
	if snap.Connection.ConnectedSince == nil {
		t.Fatalf("expected connected_since to be set")
	}
	m.SetConnected(false)
	snap = m.Snapshot()
	if snap.Connection.Connected || snap.Connection.UptimeSeconds != 0 {
		t.Fatalf("expected disconnected state to reset uptime")
	}
}

func TestEventRingBoundedAndFIFO(t *testing.T) {
	r := NewEventRing(2)
	r.Add(EventRecord{Kind: "a"})
	r.Add(EventRecord{Kind: "b"})
	r.Add(EventRecord{Kind: "c"})
	list := r.List()
	if len(list) != 2 {
		t.Fatalf("expected ring bounded to capacity 2, got %d", len(list))
	}
	if list[0].Kind != "b" || list[1].Kind != "c" {
		t.Fatalf("expected oldest entry evicted, got %+v", list)
	}
}
