package connection

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestBuildDialURLNormalizesScheme(t *testing.T) {
	cases := map[string]string{
		"localhost:8080":          "ws://localhost:8080/api/v1/runners/ws",
		"http://localhost:8080":   "ws://localhost:8080/api/v1/runners/ws",
		"https://conductor.io":    "wss://conductor.io/api/v1/runners/ws",
		"ws://localhost:8080":     "ws://localhost:8080/api/v1/runners/ws",
		"wss://conductor.io:9000": "wss://conductor.io:9000/api/v1/runners/ws",
	}
	for in, want := range cases {
		got, err := buildDialURL(in)
		if err != nil {
			t.Fatalf("buildDialURL(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("buildDialURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNextBackoffCapsAtMax(t *testing.T) {
	d := backoffInitial
	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
		if d > backoffMax {
			t.Fatalf("backoff exceeded max: %v > %v", d, backoffMax)
		}
	}
	if d != backoffMax {
		t.Fatalf("expected backoff to converge to max %v, got %v", backoffMax, d)
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		got := jitter(base)
		delta := time.Duration(float64(base) * jitterFraction)
		if got < base-delta || got > base+delta {
			t.Fatalf("jitter(%v) = %v, outside [%v, %v]", base, got, base-delta, base+delta)
		}
	}
}

func TestSaveStateAndLoadRunnerIDRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{cfg: Config{RunnerID: "runner-123", StateDir: dir}, logger: zap.NewNop()}
	m.saveState()

	got := LoadRunnerID(dir)
	if got != "runner-123" {
		t.Fatalf("LoadRunnerID() = %q, want %q", got, "runner-123")
	}
}

func TestLoadRunnerIDReturnsEmptyWhenNoState(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")
	if got := LoadRunnerID(dir); got != "" {
		t.Fatalf("LoadRunnerID() = %q, want empty", got)
	}
}
