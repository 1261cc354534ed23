package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/nevindra/replbox"
	"github.com/nevindra/replbox/audit"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "audit.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestRecordAndRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	entries := []audit.Entry{
		{SessionID: "s1", Code: "x = 1", Response: replbox.SuccessNoOutput, CreatedAt: time.Unix(1000, 0)},
		{SessionID: "s1", Code: "print(x)", Response: "1\n", Duration: 3 * time.Millisecond, Steps: 42, CreatedAt: time.Unix(1001, 0)},
		{SessionID: "s2", Code: "1//0", Response: "Error: EvalError: floored division by zero", FaultKind: replbox.FaultEval, CreatedAt: time.Unix(1002, 0)},
	}
	for _, e := range entries {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Recent(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries for s1, got %d", len(got))
	}
	// Newest first.
	if got[0].Code != "print(x)" || got[1].Code != "x = 1" {
		t.Errorf("entries not newest first: %q, %q", got[0].Code, got[1].Code)
	}
	if got[0].Response != "1\n" || got[0].Duration != 3*time.Millisecond || got[0].Steps != 42 {
		t.Errorf("entry fields not round-tripped: %+v", got[0])
	}
	if got[0].FaultKind != "" {
		t.Errorf("expected empty fault kind, got %q", got[0].FaultKind)
	}

	got2, err := s.Recent(ctx, "s2", 10)
	if err != nil {
		t.Fatalf("Recent s2: %v", err)
	}
	if len(got2) != 1 || got2[0].FaultKind != replbox.FaultEval {
		t.Errorf("expected one EvalError entry for s2, got %+v", got2)
	}
}

func TestRecentAllSessions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := audit.Entry{
			SessionID: fmt.Sprintf("s%d", i%2),
			Code:      fmt.Sprintf("x = %d", i),
			Response:  replbox.SuccessNoOutput,
			CreatedAt: time.Unix(int64(2000+i), 0),
		}
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected all 5 entries, got %d", len(got))
	}
	if got[0].Code != "x = 4" {
		t.Errorf("expected newest entry first, got %q", got[0].Code)
	}

	limited, err := s.Recent(ctx, "", 2)
	if err != nil {
		t.Fatalf("Recent limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit 2: got %d entries", len(limited))
	}
}

func TestRecordFillsDefaults(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	e := audit.Entry{SessionID: "s1", Code: "pass", Response: replbox.SuccessNoOutput}
	if err := s.Record(ctx, e); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.Recent(ctx, "s1", 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].ID == "" {
		t.Error("expected generated ID")
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be filled in")
	}
}

func TestArtifactsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	e := audit.Entry{
		SessionID: "s1",
		Code:      `write_file("plot.png", "data")`,
		Response:  replbox.SuccessNoOutput,
		Artifacts: []string{"plot.png", "data.csv"},
	}
	if err := s.Record(ctx, e); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.Recent(ctx, "s1", 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || len(got[0].Artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %+v", got)
	}
	if got[0].Artifacts[0] != "plot.png" || got[0].Artifacts[1] != "data.csv" {
		t.Errorf("artifacts not round-tripped: %v", got[0].Artifacts)
	}
}
