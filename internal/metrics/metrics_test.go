package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}

	if m.ConnsActive == nil {
		t.Error("ConnsActive metric is nil")
	}
	if m.DatagramsDropped == nil {
		t.Error("DatagramsDropped metric is nil")
	}
	if m.BytesSent == nil {
		t.Error("BytesSent metric is nil")
	}
}

func TestNewUnregistered_IsIsolated(t *testing.T) {
	// Two unregistered instances must not collide on registration.
	a := NewUnregistered()
	b := NewUnregistered()

	a.RecordConnOpen("udpmux", "connect")
	if got := testutil.ToFloat64(b.ConnsActive.WithLabelValues("udpmux")); got != 0 {
		t.Errorf("second instance ConnsActive = %v, want 0", got)
	}
}

func TestRecordConnOpenClose(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordConnOpen("udpmux", "accept")
	m.RecordConnOpen("udpmux", "connect")
	m.RecordConnOpen("tcp", "connect")

	if got := testutil.ToFloat64(m.ConnsActive.WithLabelValues("udpmux")); got != 2 {
		t.Errorf("ConnsActive[udpmux] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ConnsOpened.WithLabelValues("udpmux", "accept")); got != 1 {
		t.Errorf("ConnsOpened[udpmux,accept] = %v, want 1", got)
	}

	m.RecordConnClose("udpmux")

	if got := testutil.ToFloat64(m.ConnsActive.WithLabelValues("udpmux")); got != 1 {
		t.Errorf("ConnsActive[udpmux] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnsClosed.WithLabelValues("udpmux")); got != 1 {
		t.Errorf("ConnsClosed[udpmux] = %v, want 1", got)
	}
}

func TestRecordTraffic(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordSent("udpmux", 100)
	m.RecordSent("udpmux", 50)
	m.RecordReceived("udpmux", 20)

	if got := testutil.ToFloat64(m.DatagramsSent.WithLabelValues("udpmux")); got != 2 {
		t.Errorf("DatagramsSent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BytesSent.WithLabelValues("udpmux")); got != 150 {
		t.Errorf("BytesSent = %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.BytesReceived.WithLabelValues("udpmux")); got != 20 {
		t.Errorf("BytesReceived = %v, want 20", got)
	}
}

func TestRecordDrop(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordDrop("udpmux", DropQueueFull)
	m.RecordDrop("udpmux", DropQueueFull)
	m.RecordDrop("udpmux", DropNoListener)

	if got := testutil.ToFloat64(m.DatagramsDropped.WithLabelValues("udpmux", DropQueueFull)); got != 2 {
		t.Errorf("dropped[queue_full] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DatagramsDropped.WithLabelValues("udpmux", DropNoListener)); got != 1 {
		t.Errorf("dropped[no_listener] = %v, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.SetPeersOccupied("udpmux", 7)
	m.SetAcceptBacklog("udpmux", 3)
	m.RecordAddrInUse("udpmux")

	if got := testutil.ToFloat64(m.PeersOccupied.WithLabelValues("udpmux")); got != 7 {
		t.Errorf("PeersOccupied = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.AcceptBacklogLen.WithLabelValues("udpmux")); got != 3 {
		t.Errorf("AcceptBacklog = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.AddrInUse.WithLabelValues("udpmux")); got != 1 {
		t.Errorf("AddrInUse = %v, want 1", got)
	}
}

func TestEchoSessions(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordEchoStart()
	m.RecordEchoStart()
	m.RecordEchoEnd()

	if got := testutil.ToFloat64(m.EchoSessions); got != 1 {
		t.Errorf("EchoSessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EchoSessionsTotal); got != 2 {
		t.Errorf("EchoSessionsTotal = %v, want 2", got)
	}
}

func TestReadBatch(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordReadBatch(1)
	m.RecordReadBatch(8)
	m.RecordReadError("udpmux")

	if got := testutil.CollectAndCount(m.ReadBatchSize); got != 1 {
		t.Errorf("ReadBatchSize collected %d series, want 1", got)
	}
	if got := testutil.ToFloat64(m.ReadErrors.WithLabelValues("udpmux")); got != 1 {
		t.Errorf("ReadErrors = %v, want 1", got)
	}
}

func TestDefault_ReturnsSingleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() returned different instances")
	}
}
