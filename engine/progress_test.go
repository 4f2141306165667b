package engine

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestAggregator(window time.Duration) (*Aggregator, *time.Time) {
	a := NewAggregator(window)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	return a, &now
}

func TestAggregatorAdd(t *testing.T) {
	a, _ := newTestAggregator(10 * time.Second)
	a.Register("job1", "data.nc", 1000)

	a.Add("job1", 250)
	a.Add("job1", 250)

	p, ok := a.Snapshot("job1")
	if !ok {
		t.Fatal("Expected snapshot for registered job")
	}
	if p.BytesUploaded != 500 {
		t.Errorf("Expected 500 bytes uploaded, got %d", p.BytesUploaded)
	}
	if p.Percentage != 50 {
		t.Errorf("Expected 50%%, got %f", p.Percentage)
	}
}

func TestAggregatorMonotonic(t *testing.T) {
	a, _ := newTestAggregator(10 * time.Second)
	a.Register("job1", "data.nc", 1000)

	a.Add("job1", 300)
	a.Add("job1", -100) // ignored
	p, _ := a.Snapshot("job1")
	if p.BytesUploaded != 300 {
		t.Errorf("Negative increment changed byte count to %d", p.BytesUploaded)
	}

	a.Seed("job1", 200) // never lowers
	p, _ = a.Snapshot("job1")
	if p.BytesUploaded != 300 {
		t.Errorf("Seed lowered byte count to %d", p.BytesUploaded)
	}

	a.Seed("job1", 600)
	p, _ = a.Snapshot("job1")
	if p.BytesUploaded != 600 {
		t.Errorf("Expected seed to raise count to 600, got %d", p.BytesUploaded)
	}
}

func TestAggregatorSpeedAndETA(t *testing.T) {
	a, now := newTestAggregator(10 * time.Second)
	a.Register("job1", "data.nc", 100*1024*1024)

	// 10 MB over 5 seconds inside the window: 2 MB/s.
	for i := 0; i < 5; i++ {
		a.Add("job1", 2*1024*1024)
		*now = now.Add(time.Second)
	}

	p, _ := a.Snapshot("job1")
	if p.SpeedMBps < 1.5 || p.SpeedMBps > 2.5 {
		t.Errorf("Expected speed near 2 MB/s, got %f", p.SpeedMBps)
	}
	if p.ETASeconds <= 0 {
		t.Errorf("Expected positive ETA, got %d", p.ETASeconds)
	}

	// After a long stall the window is empty and the ETA is unknown.
	*now = now.Add(time.Minute)
	p, _ = a.Snapshot("job1")
	if p.ETASeconds != -1 {
		t.Errorf("Expected unknown ETA after stall, got %d", p.ETASeconds)
	}
}

func TestAggregatorCompleteJobHasZeroETA(t *testing.T) {
	a, _ := newTestAggregator(10 * time.Second)
	a.Register("job1", "data.nc", 100)
	a.Add("job1", 100)

	p, _ := a.Snapshot("job1")
	if p.ETASeconds != 0 {
		t.Errorf("Expected zero ETA at 100%%, got %d", p.ETASeconds)
	}
	if p.Percentage != 100 {
		t.Errorf("Expected 100%%, got %f", p.Percentage)
	}
}

func TestAggregatorFail(t *testing.T) {
	a, _ := newTestAggregator(10 * time.Second)
	a.Register("job1", "data.nc", 1000)
	a.Add("job1", 400)

	a.Fail("job1", errors.New("disk gone"))

	p, ok := a.Snapshot("job1")
	if !ok {
		t.Fatal("Expected snapshot to survive failure")
	}
	if p.Status != StateFailed {
		t.Errorf("Expected FAILED status, got %s", p.Status)
	}
	if p.Error != "disk gone" {
		t.Errorf("Expected error message preserved, got %q", p.Error)
	}
	if p.BytesUploaded != 400 {
		t.Errorf("Expected byte count preserved after failure, got %d", p.BytesUploaded)
	}
}

func TestAggregatorConcurrentAdds(t *testing.T) {
	a := NewAggregator(10 * time.Second)
	a.Register("job1", "data.nc", 100*1000)

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				a.Add("job1", 10)
			}
		}()
	}
	wg.Wait()

	p, _ := a.Snapshot("job1")
	if p.BytesUploaded != 10*100*10 {
		t.Errorf("Lost updates under concurrency: got %d bytes", p.BytesUploaded)
	}
}

func TestAggregatorUnknownJob(t *testing.T) {
	a, _ := newTestAggregator(10 * time.Second)

	a.Add("nope", 100) // must not panic
	if _, ok := a.Snapshot("nope"); ok {
		t.Error("Expected no snapshot for unknown job")
	}
}

func TestAggregatorRemove(t *testing.T) {
	a, _ := newTestAggregator(10 * time.Second)
	a.Register("job1", "data.nc", 100)
	a.Remove("job1")

	if _, ok := a.Snapshot("job1"); ok {
		t.Error("Expected snapshot gone after Remove")
	}
}
