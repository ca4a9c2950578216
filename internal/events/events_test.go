package events

import "testing"

func TestBusNextOpIDMonotonic(t *testing.T) {
	b := NewBus(NullSink{})
	prev := uint64(0)
	for i := 0; i < 100; i++ {
		id := b.NextOpID()
		if id <= prev {
			t.Fatalf("op id %d did not increase from %d", id, prev)
		}
		prev = id
	}
}

func TestCollectorSinkCollectsInOrder(t *testing.T) {
	c := NewCollectorSink()
	b := NewBus(c)
	op := b.NextOpID()
	b.Emit(Event{OpID: op, Kind: KindDownload, DownloadStage: DownloadStarting})
	b.Emit(Event{OpID: op, Kind: KindVerify, VerifyStage: VerifyPassed})
	b.Emit(Event{OpID: op, Kind: KindOperationComplete})

	got := c.Events()
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Kind != KindDownload || got[1].Kind != KindVerify || got[2].Kind != KindOperationComplete {
		t.Fatalf("events out of causal order: %+v", got)
	}
}

func TestChannelSinkNeverBlocksWhenFull(t *testing.T) {
	s := NewChannelSink(1)
	s.Emit(Event{Kind: KindLog, Message: "first"})
	// Second emit must not block even though the buffer is full.
	done := make(chan struct{})
	go func() {
		s.Emit(Event{Kind: KindLog, Message: "second"})
		close(done)
	}()
	<-done
}

func TestByKindFilters(t *testing.T) {
	c := NewCollectorSink()
	c.Emit(Event{Kind: KindDownload})
	c.Emit(Event{Kind: KindVerify})
	c.Emit(Event{Kind: KindDownload})

	downloads := c.ByKind(KindDownload)
	if len(downloads) != 2 {
		t.Fatalf("expected 2 download events, got %d", len(downloads))
	}
}
