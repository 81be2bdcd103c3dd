package outbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

type memSource struct {
	rows    []*Record
	markErr error
}

func (s *memSource) Table() string { return "test_outbox_events" }

func (s *memSource) FetchPending(_ context.Context, limit int) ([]Record, error) {
	var out []Record
	for _, r := range s.rows {
		if r.Status == StatusPending && len(out) < limit {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *memSource) MarkProcessed(_ context.Context, id uint64) error {
	if s.markErr != nil {
		err := s.markErr
		s.markErr = nil
		return err
	}
	for _, r := range s.rows {
		if r.ID == id {
			r.Status = StatusProcessed
		}
	}
	return nil
}

func pending3() *memSource {
	return &memSource{rows: []*Record{
		{ID: 1, EventID: "EVT-1", Topic: "trade.events", Status: StatusPending},
		{ID: 2, EventID: "EVT-2", Topic: "trade.events", Status: StatusPending},
		{ID: 3, EventID: "EVT-3", Topic: "trade.events", Status: StatusPending},
	}}
}

func TestProcessBatchStopsAtFirstFailure(t *testing.T) {
	src := pending3()
	ctx := context.Background()

	var pushed []uint64
	failOnce := true
	push := func(_ context.Context, rec *Record) error {
		if rec.ID == 2 && failOnce {
			failOnce = false
			return errors.New("broker unavailable")
		}
		pushed = append(pushed, rec.ID)
		return nil
	}
	p := NewProcessor(src, push, 10, time.Second)

	n, err := p.processBatch(ctx)
	if err == nil {
		t.Fatal("push failure must surface")
	}
	if n != 1 {
		t.Fatalf("published = %d, want 1", n)
	}
	// 记录 2 失败后记录 3 不得越过它发布，否则同 key 顺序被打乱
	if len(pushed) != 1 || pushed[0] != 1 {
		t.Fatalf("pushed = %v, want [1]", pushed)
	}
	if src.rows[0].Status != StatusProcessed || src.rows[1].Status != StatusPending || src.rows[2].Status != StatusPending {
		t.Fatalf("statuses = %s/%s/%s", src.rows[0].Status, src.rows[1].Status, src.rows[2].Status)
	}

	// 故障恢复后从失败处按原顺序续发
	n, err = p.processBatch(ctx)
	if err != nil {
		t.Fatalf("retry batch: %v", err)
	}
	if n != 2 {
		t.Fatalf("published = %d, want 2", n)
	}
	want := []uint64{1, 2, 3}
	for i, id := range pushed {
		if id != want[i] {
			t.Fatalf("pushed = %v, want %v", pushed, want)
		}
	}
}

func TestProcessBatchMarkFailureRepublishes(t *testing.T) {
	src := pending3()
	src.markErr = errors.New("db gone away")
	ctx := context.Background()

	var pushed []uint64
	p := NewProcessor(src, func(_ context.Context, rec *Record) error {
		pushed = append(pushed, rec.ID)
		return nil
	}, 10, time.Second)

	n, err := p.processBatch(ctx)
	if err == nil {
		t.Fatal("mark failure must surface")
	}
	if n != 0 {
		t.Fatalf("published = %d, want 0 (mark failed)", n)
	}

	// 发布成功但未标记的记录保持 PENDING，下一轮重发，at-least-once
	n, err = p.processBatch(ctx)
	if err != nil {
		t.Fatalf("retry batch: %v", err)
	}
	if n != 3 {
		t.Fatalf("published = %d, want 3", n)
	}
	if len(pushed) != 4 || pushed[0] != 1 || pushed[1] != 1 {
		t.Fatalf("pushed = %v, want record 1 republished first", pushed)
	}
}

func TestProcessBatchHonorsBatchSize(t *testing.T) {
	src := pending3()
	var pushed []uint64
	p := NewProcessor(src, func(_ context.Context, rec *Record) error {
		pushed = append(pushed, rec.ID)
		return nil
	}, 2, time.Second)

	n, err := p.processBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(pushed) != 2 {
		t.Fatalf("published = %d pushed = %v, want batch of 2", n, pushed)
	}
	if src.rows[2].Status != StatusPending {
		t.Fatal("record beyond the batch must stay pending")
	}
}

func TestProcessorLoopPublishesAndStops(t *testing.T) {
	src := &memSource{rows: []*Record{
		{ID: 1, EventID: "EVT-1", Topic: "order.events", Status: StatusPending},
	}}
	published := make(chan uint64, 1)
	p := NewProcessor(src, func(_ context.Context, rec *Record) error {
		select {
		case published <- rec.ID:
		default:
		}
		return nil
	}, 10, 5*time.Millisecond)

	p.Start()
	select {
	case id := <-published:
		if id != 1 {
			t.Fatalf("published id = %d, want 1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("processor never published")
	}
	p.Stop()
}
