package observability

import (
	"testing"
	"time"
)

func TestRoundWindowSnapshot(t *testing.T) {
	w := newRoundWindow(8)
	w.Observe(StageSendToFirstEvent, 500*time.Millisecond)
	w.Observe(StageSendToFirstEvent, 700*time.Millisecond)
	w.Observe(StageSendToFirstEvent, 900*time.Millisecond)
	w.ObserveIndicator("busy_rejection")
	w.ObserveIndicator("busy_rejection")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageSendToFirstEvent {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageSendToFirstEvent)
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 || s.MaxMS != 900 {
		t.Fatalf("LastMS/MaxMS = %.2f/%.2f, want 900", s.LastMS, s.MaxMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1500 {
		t.Fatalf("TargetP95MS = %.2f, want 1500", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v", snap.Indicators)
	}
}

func TestRoundWindowWrapsAround(t *testing.T) {
	w := newRoundWindow(2)
	w.Observe(StageSendToEnd, time.Second)
	w.Observe(StageSendToEnd, 2*time.Second)
	w.Observe(StageSendToEnd, 3*time.Second)

	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.LastMS != 3000 || s.AvgMS != 2500 {
		t.Fatalf("LastMS/AvgMS = %.2f/%.2f, want 3000/2500", s.LastMS, s.AvgMS)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveStep("end")
	m.StreamOpened()
	m.StreamClosed()
	m.ObserveRoundStage(StageSendToEnd, time.Second)
	if got := m.RoundSnapshot(); len(got.Stages) != 0 {
		t.Fatalf("nil metrics snapshot = %+v", got)
	}
}
