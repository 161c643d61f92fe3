package transcripts

import (
	"context"
	"fmt"
	"testing"
)

func TestInMemorySaveAndQuery(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.Save(ctx, Record{
			SessionID:  "s1",
			Text:       fmt.Sprintf("utterance %d", i),
			Confidence: 0.95,
			DurationMS: 1500,
		})
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if err := s.Save(ctx, Record{SessionID: "s2", Text: "other"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.BySession(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("BySession: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	if got[0].Text != "utterance 0" || got[2].Text != "utterance 2" {
		t.Fatalf("records out of order: %+v", got)
	}
	for _, r := range got {
		if r.ID == "" || r.CreatedAt.IsZero() {
			t.Fatalf("record missing generated fields: %+v", r)
		}
	}

	limited, err := s.BySession(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("BySession limited: %v", err)
	}
	if len(limited) != 2 || limited[1].Text != "utterance 2" {
		t.Fatalf("limit should keep newest records, got %+v", limited)
	}

	none, err := s.BySession(ctx, "missing", 10)
	if err != nil || none != nil {
		t.Fatalf("unknown session = (%v, %v), want (nil, nil)", none, err)
	}
}
