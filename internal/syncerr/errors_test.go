package syncerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsComparesCodes(t *testing.T) {
	custom := New(CodeWorldDNE, "world gone")
	if !errors.Is(custom, ErrWorldDNE) {
		t.Error("same code with different message must satisfy errors.Is")
	}
	if errors.Is(custom, ErrModpackDNE) {
		t.Error("different codes must not satisfy errors.Is")
	}
}

func TestIsThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("while syncing: %w", ErrDenyAuth)
	if !errors.Is(wrapped, ErrDenyAuth) {
		t.Error("wrapped taxonomy error lost its code")
	}
	if CodeOf(wrapped) != CodeDenyAuth {
		t.Errorf("CodeOf(wrapped) = %s, want denyAuth", CodeOf(wrapped))
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err      error
		expected Code
	}{
		{ErrInvalidArgs, CodeInvalidArgs},
		{ErrCouldNotFindPack, CodeCouldNotFindPack},
		{errors.New("plain"), CodeUnknown},
		{fmt.Errorf("ctx: %w", ErrRPAlreadyExists), CodeRPAlreadyExists},
	}
	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.expected {
			t.Errorf("CodeOf(%v) = %s, want %s", tt.err, got, tt.expected)
		}
	}
}
