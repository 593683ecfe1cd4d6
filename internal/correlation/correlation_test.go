package correlation

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected valid UUID, got %q: %v", id, err)
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate correlation ID %s", id)
		}
		seen[id] = true
	}
}

func TestWithID_RoundTrip(t *testing.T) {
	ctx := WithID(context.Background(), "abc-123")
	if got := FromContext(ctx); got != "abc-123" {
		t.Errorf("expected abc-123, got %q", got)
	}
}

func TestWithID_EmptyLeavesContext(t *testing.T) {
	ctx := context.Background()
	if WithID(ctx, "") != ctx {
		t.Error("expected same context for empty ID")
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != "" {
		t.Errorf("expected empty ID, got %q", got)
	}
}
