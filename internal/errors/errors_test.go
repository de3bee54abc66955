package errors

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestStoreErrorUnwrap(t *testing.T) {
	err := New(DeleteFailed, "a.txt", 0, io.ErrUnexpectedEOF)
	wrapped := fmt.Errorf("cleanup: %w", err)

	if !errors.Is(wrapped, io.ErrUnexpectedEOF) {
		t.Error("errors.Is did not reach the underlying error")
	}
	if !IsKind(wrapped, DeleteFailed) {
		t.Error("IsKind(DeleteFailed) = false, want true")
	}
	if IsKind(wrapped, UploadFailed) {
		t.Error("IsKind(UploadFailed) = true, want false")
	}
	if got := KindOf(wrapped); got != DeleteFailed {
		t.Errorf("KindOf = %v, want DeleteFailed", got)
	}
}

func TestStoreErrorMessage(t *testing.T) {
	tests := []struct {
		err  *StoreError
		want string
	}{
		{New(PartUploadFailed, "k", 3, io.EOF), `PartUploadFailed "k" after 3 attempt(s): EOF`},
		{New(DeleteFailed, "k", 0, io.EOF), `DeleteFailed "k": EOF`},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestKindString(t *testing.T) {
	if got := CompletionFailed.String(); got != "CompletionFailed" {
		t.Errorf("String() = %q", got)
	}
	if got := Kind(99).String(); !strings.HasPrefix(got, "Kind(") {
		t.Errorf("unknown kind String() = %q", got)
	}
	if KindOf(io.EOF) != 0 {
		t.Error("KindOf(non-store error) should be zero")
	}
}
