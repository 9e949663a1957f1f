package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("auto_release", func(_ context.Context) Status {
		return Status{Healthy: false, Detail: "not running"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if statuses[0].Name != "db" || statuses[1].Name != "auto_release" {
		t.Fatalf("statuses out of order or unnamed: %+v", statuses)
	}
}

func TestRegistryTimeoutApplied(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("slow", func(ctx context.Context) Status {
		select {
		case <-ctx.Done():
			return Status{Healthy: false, Detail: ctx.Err().Error()}
		case <-time.After(time.Second):
			return Status{Healthy: true}
		}
	})

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("slow checker should fail on timeout")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("CheckAll did not honour the per-check timeout")
	}
}

type fakeRunner struct{ running atomic.Bool }

func (f *fakeRunner) Running() bool { return f.running.Load() }

func TestLoopChecker(t *testing.T) {
	fr := &fakeRunner{}
	check := Loop("timer", fr)
	if check(context.Background()).Healthy {
		t.Fatal("stopped loop should be unhealthy")
	}
	fr.running.Store(true)
	if !check(context.Background()).Healthy {
		t.Fatal("running loop should be healthy")
	}
}

func TestCircuitsChecker(t *testing.T) {
	st := Circuits("processor", func() []string { return []string{"capture"} })(context.Background())
	if !st.Healthy {
		t.Fatal("open circuits should not fail readiness")
	}
	if st.Detail == "" {
		t.Fatal("expected open keys in detail")
	}
}
