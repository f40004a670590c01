package latency

import (
	"context"
	"testing"
	"time"
)

func TestHandleEndRecordsSample(t *testing.T) {
	tr := New("sess-1")
	base := time.Unix(1000, 0)
	tr.now = func() time.Time { return base }

	h := tr.Start(OpLLMTTFT)
	tr.now = func() time.Time { return base.Add(250 * time.Millisecond) }
	ms := h.End()

	if ms != 250 {
		t.Errorf("End = %f ms; want 250", ms)
	}
	stats := tr.SessionStats()[OpLLMTTFT]
	if stats.Count != 1 || stats.MaxMs != 250 {
		t.Errorf("stats = %+v; want one 250 ms sample", stats)
	}

	// Double End must not record a second sample.
	h.End()
	if got := tr.SessionStats()[OpLLMTTFT].Count; got != 1 {
		t.Errorf("count after double End = %d; want 1", got)
	}
}

func TestTargetExceededEvent(t *testing.T) {
	tr := New("sess-2", WithTargets(map[Op]time.Duration{OpTTSTTFB: 100 * time.Millisecond}))

	tr.Mark(OpTTSTTFB, 99) // under target: no event
	tr.Mark(OpTTSTTFB, 150)

	select {
	case ev := <-tr.Events():
		if ev.Op != OpTTSTTFB || ev.DurationMs != 150 || ev.TargetMs != 100 {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Fatal("expected a target_exceeded event")
	}

	stats := tr.SessionStats()[OpTTSTTFB]
	if stats.ExceededCount != 1 {
		t.Errorf("exceededCount = %d; want 1", stats.ExceededCount)
	}
}

func TestSlowConsumerDropsAreCounted(t *testing.T) {
	tr := New("sess-3", WithTargets(map[Op]time.Duration{OpToolCall: time.Millisecond}))

	// Overfill the bounded events channel without draining it.
	for i := 0; i < 40; i++ {
		tr.Mark(OpToolCall, 10)
	}
	if tr.DroppedEvents() == 0 {
		t.Error("expected dropped events once the channel filled")
	}
}

func TestSessionStatsPercentiles(t *testing.T) {
	tr := New("sess-4")
	for i := 1; i <= 100; i++ {
		tr.Mark(OpE2ETurn, float64(i))
	}

	s := tr.SessionStats()[OpE2ETurn]
	if s.Count != 100 || s.MinMs != 1 || s.MaxMs != 100 {
		t.Fatalf("stats = %+v", s)
	}
	if s.P50Ms != 50 {
		t.Errorf("p50 = %f; want 50", s.P50Ms)
	}
	if s.P95Ms != 95 {
		t.Errorf("p95 = %f; want 95", s.P95Ms)
	}
	if s.P99Ms != 99 {
		t.Errorf("p99 = %f; want 99", s.P99Ms)
	}
	if s.AvgMs != 50.5 {
		t.Errorf("avg = %f; want 50.5", s.AvgMs)
	}
}

type captureSink struct {
	batches [][]Sample
}

func (c *captureSink) InsertLatencySamples(_ context.Context, s []Sample) error {
	c.batches = append(c.batches, s)
	return nil
}

func TestFlushBatchesAndClears(t *testing.T) {
	tr := New("sess-5", WithAgentID("agent-9"))
	tr.Mark(OpSTTFinal, 120)
	tr.Mark(OpLLMTotal, 900)

	sink := &captureSink{}
	if err := tr.Flush(context.Background(), sink); err != nil {
		t.Fatal(err)
	}
	if len(sink.batches) != 1 || len(sink.batches[0]) != 2 {
		t.Fatalf("flush produced %v", sink.batches)
	}
	if sink.batches[0][0].AgentID != "agent-9" {
		t.Errorf("agent id not attached: %+v", sink.batches[0][0])
	}

	// Second flush is a no-op.
	if err := tr.Flush(context.Background(), sink); err != nil {
		t.Fatal(err)
	}
	if len(sink.batches) != 1 {
		t.Error("flush after flush must not resend")
	}
}
