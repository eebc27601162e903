package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	data     [][]byte
	failOn   string
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if subject == f.failOn {
		return errors.New("nats: connection closed")
	}
	f.subjects = append(f.subjects, subject)
	f.data = append(f.data, data)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subjects)
}

func TestRecordBuffersUntilFull(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRecorder(pub, "pas.log", 3)

	r.Record(Record{Channel: MatchedWin, AuctionID: "a1"})
	r.Record(Record{Channel: MatchedLoss, AuctionID: "a2"})
	if pub.count() != 0 {
		t.Fatalf("expected nothing published before the buffer fills, got %d", pub.count())
	}
	if r.Pending() != 2 {
		t.Errorf("expected 2 pending, got %d", r.Pending())
	}

	if err := r.Record(Record{Channel: Error, Function: "doWinLoss.alreadyFinished"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if pub.count() != 3 {
		t.Fatalf("expected flush on full buffer, got %d", pub.count())
	}

	want := []string{"pas.log.MATCHEDWIN", "pas.log.MATCHEDLOSS", "pas.log.PAERROR"}
	for i, s := range want {
		if pub.subjects[i] != s {
			t.Errorf("publish %d: expected subject %s, got %s", i, s, pub.subjects[i])
		}
	}
}

func TestRecordStampsIDAndTime(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRecorder(pub, "pas.log", 10)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }
	r.newID = func() string { return "rec-1" }

	r.Record(Record{Channel: UnmatchedCampaignEvent, Label: "click", Reason: "window_closed"})
	if err := r.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var got Record
	if err := json.Unmarshal(pub.data[0], &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "rec-1" || !got.Timestamp.Equal(fixed) {
		t.Errorf("expected stamped record, got %+v", got)
	}
	if got.Reason != "window_closed" || got.Channel != UnmatchedCampaignEvent {
		t.Errorf("unexpected record %+v", got)
	}
}

func TestFlushReportsFailures(t *testing.T) {
	pub := &fakePublisher{failOn: "pas.log.PAERROR"}
	r := NewRecorder(pub, "pas.log", 10)

	r.Record(Record{Channel: MatchedWin})
	r.Record(Record{Channel: Error})

	err := r.Flush()
	if err == nil {
		t.Fatal("expected publish error")
	}
	if pub.count() != 1 {
		t.Errorf("expected the healthy record to publish, got %d", pub.count())
	}
	if r.Pending() != 0 {
		t.Errorf("expected failed records to be dropped, got %d pending", r.Pending())
	}
}

func TestFlushEmpty(t *testing.T) {
	r := NewRecorder(&fakePublisher{}, "pas.log", 0)
	if err := r.Flush(); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if r.bufferSize != 100 {
		t.Errorf("expected default buffer size, got %d", r.bufferSize)
	}
}

func TestRunFlushesOnCancel(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRecorder(pub, "pas.log", 100)
	r.Record(Record{Channel: MatchedWin})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Hour, nil)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if pub.count() != 1 {
		t.Errorf("expected final flush, got %d", pub.count())
	}
}

func TestCloseRejectsRecords(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRecorder(pub, "pas.log", 100)
	r.Record(Record{Channel: MatchedWin})

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if pub.count() != 1 {
		t.Errorf("expected buffered record flushed, got %d", pub.count())
	}
	if err := r.Record(Record{Channel: MatchedLoss}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

// gatedPublisher holds its first publish until released
type gatedPublisher struct {
	fakePublisher
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedPublisher) Publish(subject string, data []byte) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.fakePublisher.Publish(subject, data)
}

func TestConcurrentFlushesKeepOrder(t *testing.T) {
	pub := &gatedPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	r := NewRecorder(pub, "pas.log", 100)
	r.Record(Record{ID: "r1", Channel: MatchedWin})
	r.Record(Record{ID: "r2", Channel: MatchedWin})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.Flush()
	}()
	<-pub.entered

	r.Record(Record{ID: "r3", Channel: MatchedWin})
	go func() {
		defer wg.Done()
		r.Flush()
	}()
	time.Sleep(20 * time.Millisecond)
	close(pub.release)
	wg.Wait()

	var ids []string
	for _, data := range pub.data {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			t.Fatalf("decode: %v", err)
		}
		ids = append(ids, rec.ID)
	}
	if len(ids) != 3 || ids[0] != "r1" || ids[1] != "r2" || ids[2] != "r3" {
		t.Errorf("expected r1 r2 r3 in order, got %v", ids)
	}
}
