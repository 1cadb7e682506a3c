package executor

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/conductorhq/conductor/runner/internal/wire"
)

type fakeSink struct {
	results chan wire.JobResultPayload
	errs    chan wire.JobErrorPayload
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		results: make(chan wire.JobResultPayload, 1),
		errs:    make(chan wire.JobErrorPayload, 1),
	}
}

func (f *fakeSink) SendResult(r wire.JobResultPayload) { f.results <- r }
func (f *fakeSink) SendError(e wire.JobErrorPayload)   { f.errs <- e }

func TestExecuteSuccessReturnsStdoutAndZeroExit(t *testing.T) {
	e := New([]string{"exec.full"}, zap.NewNop())
	sink := newFakeSink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx, sink)

	if err := e.Enqueue(JobAssignment{JobID: "j1", Command: "echo hello"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case res := <-sink.results:
		if res.ExitCode != 0 {
			t.Fatalf("expected exit code 0, got %d", res.ExitCode)
		}
		if res.Stdout != "hello\n" {
			t.Fatalf("expected stdout %q, got %q", "hello\n", res.Stdout)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestExecuteNonZeroExitIsStillAResultNotAnError(t *testing.T) {
	e := New([]string{"exec.full"}, zap.NewNop())
	sink := newFakeSink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx, sink)

	if err := e.Enqueue(JobAssignment{JobID: "j2", Command: "exit 7"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case res := <-sink.results:
		if res.ExitCode != 7 {
			t.Fatalf("expected exit code 7, got %d", res.ExitCode)
		}
	case <-sink.errs:
		t.Fatal("expected a job.result, got a job.error")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestExecuteRejectedByCapabilitiesReportsError(t *testing.T) {
	e := New([]string{"exec.readonly"}, zap.NewNop())
	sink := newFakeSink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx, sink)

	if err := e.Enqueue(JobAssignment{JobID: "j3", Command: "rm -rf /tmp/x"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case errPayload := <-sink.errs:
		if errPayload.JobID != "j3" {
			t.Fatalf("expected job id j3, got %s", errPayload.JobID)
		}
	case <-sink.results:
		t.Fatal("expected a job.error, got a job.result")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error")
	}
}

func TestExecuteTimeoutReportsError(t *testing.T) {
	e := New([]string{"exec.full"}, zap.NewNop())
	sink := newFakeSink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx, sink)

	if err := e.Enqueue(JobAssignment{JobID: "j4", Command: "sleep 5", TimeoutSeconds: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case errPayload := <-sink.errs:
		if errPayload.JobID != "j4" {
			t.Fatalf("expected job id j4, got %s", errPayload.JobID)
		}
	case <-sink.results:
		t.Fatal("expected a timeout job.error, got a job.result")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error")
	}
}

func TestEnqueueRejectsWhenQueueFull(t *testing.T) {
	e := New([]string{"exec.full"}, zap.NewNop())
	// Fill the queue without a running worker draining it.
	for i := 0; i < queueSize; i++ {
		if err := e.Enqueue(JobAssignment{JobID: "fill"}); err != nil {
			t.Fatalf("unexpected error filling queue at %d: %v", i, err)
		}
	}
	if err := e.Enqueue(JobAssignment{JobID: "overflow"}); err == nil {
		t.Fatal("expected an error once the queue is full")
	}
}
