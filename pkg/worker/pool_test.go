package worker

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countJob struct {
	counter *int64
	fail    bool
}

func (j *countJob) Execute() error {
	atomic.AddInt64(j.counter, 1)
	if j.fail {
		return errors.New("job failed")
	}
	return nil
}

func TestPoolRunsAllJobs(t *testing.T) {
	var counter int64
	pool := NewPool(4)
	pool.Start()

	const jobs = 50
	go func() {
		for i := 0; i < jobs; i++ {
			pool.Submit(&countJob{counter: &counter})
		}
		pool.Stop()
	}()

	results := 0
	for res := range pool.Results() {
		if res.Err != nil {
			t.Fatalf("unexpected job error: %v", res.Err)
		}
		results++
	}
	if results != jobs {
		t.Fatalf("got %d results, want %d", results, jobs)
	}
	if atomic.LoadInt64(&counter) != jobs {
		t.Fatalf("executed %d jobs, want %d", counter, jobs)
	}

	select {
	case <-pool.Done():
	case <-time.After(time.Second):
		t.Fatal("Done did not close after Stop")
	}
}

func TestPoolReportsFailures(t *testing.T) {
	var counter int64
	pool := NewPool(2)
	pool.Start()

	go func() {
		pool.Submit(&countJob{counter: &counter, fail: true})
		pool.Submit(&countJob{counter: &counter})
		pool.Stop()
	}()

	failures := 0
	for res := range pool.Results() {
		if res.Err != nil {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("got %d failures, want 1", failures)
	}
}

func TestPoolStopIdempotent(t *testing.T) {
	pool := NewPool(1)
	pool.Start()
	pool.Stop()
	pool.Stop()
	<-pool.Done()
}
