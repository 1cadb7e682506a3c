package chatprovider

import (
	"context"
	"errors"
	"testing"
)

func TestUnconfiguredChatReturnsErrNotConfigured(t *testing.T) {
	var u Unconfigured
	_, err := u.Chat(context.Background(), nil, nil)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Chat() error = %v, want %v", err, ErrNotConfigured)
	}
}
