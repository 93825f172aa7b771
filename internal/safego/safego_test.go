package safego

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/group-allocator/group-registry/internal/telemetry"
)

func TestRun(t *testing.T) {
	ran := false
	if ok := Run("plain", func() { ran = true }); !ok || !ran {
		t.Fatalf("Run() ok = %v, ran = %v; want true, true", ok, ran)
	}
}

func TestRun_RecoversPanic(t *testing.T) {
	before := testutil.ToFloat64(telemetry.BackgroundPanicsTotal.WithLabelValues("panicky"))

	if ok := Run("panicky", func() { panic("boom") }); ok {
		t.Error("Run() = true after a panic")
	}

	after := testutil.ToFloat64(telemetry.BackgroundPanicsTotal.WithLabelValues("panicky"))
	if after != before+1 {
		t.Errorf("background_panics_total{task=panicky} = %v, want %v", after, before+1)
	}
}

func TestGo_RecoversPanic(t *testing.T) {
	done := make(chan struct{})

	Go("test", func() {
		defer close(done)
		panic("intentional panic in test")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not finish after panicking")
	}
}
