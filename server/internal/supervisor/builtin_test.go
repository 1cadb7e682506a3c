package supervisor

import (
	"context"
	"encoding/json"
	"testing"
)

func TestNoteToolRejectsEmptyText(t *testing.T) {
	tool := NewNoteTool()
	envelope, err := tool.Invoke(context.Background(), json.RawMessage(`{"text":""}`))
	if err != nil {
		t.Fatalf("Invoke returned an error: %v", err)
	}
	if envelope.Ok {
		t.Fatal("expected an empty text field to be rejected")
	}
}

func TestNoteToolRecordsText(t *testing.T) {
	tool := NewNoteTool()
	envelope, err := tool.Invoke(context.Background(), json.RawMessage(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("Invoke returned an error: %v", err)
	}
	if !envelope.Ok {
		t.Fatalf("expected success, got %+v", envelope)
	}
}
