package attachment

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/attachd/content"
	"github.com/hazyhaar/attachd/dbopen"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func tempStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	s, err := NewStore(dbopen.OpenMemory(t), WithClock(clk.Now))
	if err != nil {
		t.Fatal(err)
	}
	return s, clk
}

func newRecord(id, hash string) *Record {
	return &Record{
		ID:             id,
		OrganizationID: "org-1",
		UploaderID:     "user-1",
		Filename:       "notes.txt",
		MIMEType:       "text/plain",
		ByteSize:       12,
		ContentHash:    hash,
		StorageKey:     "attachments/2026/03/" + id + ".txt",
		Category:       CategoryText,
	}
}

func mustInsert(t *testing.T, s *Store, r *Record) {
	t.Helper()
	if err := s.Insert(context.Background(), r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func TestInsertAndGet(t *testing.T) {
	s, _ := tempStore(t)
	ctx := context.Background()
	mustInsert(t, s, newRecord("f1", "h1"))

	r, err := s.Get(ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if r == nil {
		t.Fatal("record not found")
	}
	if r.Status != StatusUploaded {
		t.Errorf("status = %q, want uploaded", r.Status)
	}
	if r.Category != CategoryText || r.ByteSize != 12 {
		t.Errorf("record = %+v", r)
	}
	if r.ExtractedContent != nil || r.ContentSummary != nil {
		t.Error("outputs should be empty on a fresh record")
	}

	missing, err := s.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Get(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestInsert_DuplicateActiveHash(t *testing.T) {
	s, _ := tempStore(t)
	mustInsert(t, s, newRecord("f1", "same"))
	err := s.Insert(context.Background(), newRecord("f2", "same"))
	if err != ErrDuplicateHash {
		t.Fatalf("Insert duplicate = %v, want ErrDuplicateHash", err)
	}
}

func TestInsert_HashScopedToUploader(t *testing.T) {
	s, _ := tempStore(t)
	mustInsert(t, s, newRecord("f1", "same"))
	other := newRecord("f2", "same")
	other.UploaderID = "user-2"
	mustInsert(t, s, other)
}

func TestSoftDelete_KeepsStatus(t *testing.T) {
	s, _ := tempStore(t)
	ctx := context.Background()
	mustInsert(t, s, newRecord("f1", "h1"))
	s.BeginProcessing(ctx, "f1")
	s.Complete(ctx, "f1", Outcome{Status: StatusProcessed})

	ok, err := s.SoftDelete(ctx, "f1")
	if err != nil || !ok {
		t.Fatalf("SoftDelete = %v, %v", ok, err)
	}
	r, _ := s.Get(ctx, "f1")
	if !r.IsDeleted || r.DeletedAt == nil {
		t.Error("record not marked deleted")
	}
	if r.Status != StatusProcessed {
		t.Errorf("status = %q, want processed (untouched)", r.Status)
	}

	again, _ := s.SoftDelete(ctx, "f1")
	if again {
		t.Error("second SoftDelete reported a change")
	}
}

func TestDeletedHashFreesSlot(t *testing.T) {
	s, _ := tempStore(t)
	ctx := context.Background()
	mustInsert(t, s, newRecord("f1", "h1"))
	s.SoftDelete(ctx, "f1")

	found, err := s.FindByHash(ctx, "org-1", "user-1", "h1")
	if err != nil || found == nil || !found.IsDeleted {
		t.Fatalf("FindByHash = %+v, %v; want the deleted record", found, err)
	}
	// A deleted record no longer blocks the unique index.
	mustInsert(t, s, newRecord("f2", "h1"))
	found, _ = s.FindByHash(ctx, "org-1", "user-1", "h1")
	if found.ID != "f2" {
		t.Errorf("FindByHash prefers %q, want active f2", found.ID)
	}
}

func TestRestore(t *testing.T) {
	s, _ := tempStore(t)
	ctx := context.Background()
	mustInsert(t, s, newRecord("f1", "h1"))
	s.BeginProcessing(ctx, "f1")
	doc := content.NewDocument(&content.Document{Pages: []content.Page{{PageNumber: 1, Text: "kept"}}})
	s.Complete(ctx, "f1", Outcome{Status: StatusProcessed, Content: doc, Summary: "s", Language: "en"})
	s.SoftDelete(ctx, "f1")

	ok, err := s.Restore(ctx, "f1", RestoreFields{
		Filename: "renamed.md", MIMEType: "text/markdown", ByteSize: 12, Category: CategoryText,
	})
	if err != nil || !ok {
		t.Fatalf("Restore = %v, %v", ok, err)
	}
	r, _ := s.Get(ctx, "f1")
	if r.IsDeleted || r.DeletedAt != nil {
		t.Error("delete flags not cleared")
	}
	if r.Status != StatusUploaded {
		t.Errorf("status = %q, want uploaded", r.Status)
	}
	if r.Filename != "renamed.md" || r.MIMEType != "text/markdown" {
		t.Errorf("file facts not refreshed: %+v", r)
	}
	if r.ExtractedContent == nil || r.ExtractedContent.Document.Pages[0].Text != "kept" {
		t.Error("prior extracted content should survive a restore")
	}

	again, _ := s.Restore(ctx, "f1", RestoreFields{Filename: "x"})
	if again {
		t.Error("Restore of an active record reported a change")
	}
}

func TestBeginProcessing_Guards(t *testing.T) {
	s, _ := tempStore(t)
	ctx := context.Background()
	mustInsert(t, s, newRecord("f1", "h1"))

	ok, err := s.BeginProcessing(ctx, "f1")
	if err != nil || !ok {
		t.Fatalf("first BeginProcessing = %v, %v", ok, err)
	}
	ok, _ = s.BeginProcessing(ctx, "f1")
	if ok {
		t.Error("BeginProcessing re-entered a processing record")
	}

	mustInsert(t, s, newRecord("f2", "h2"))
	s.SoftDelete(ctx, "f2")
	ok, _ = s.BeginProcessing(ctx, "f2")
	if ok {
		t.Error("BeginProcessing started a soft-deleted record")
	}
}

func TestBeginProcessing_Concurrent(t *testing.T) {
	s, _ := tempStore(t)
	ctx := context.Background()
	mustInsert(t, s, newRecord("f1", "h1"))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.BeginProcessing(ctx, "f1")
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
	r, _ := s.Get(ctx, "f1")
	if r.ProcessingAttemptCount != 1 {
		t.Errorf("attempts = %d, want 1", r.ProcessingAttemptCount)
	}
}

func TestComplete(t *testing.T) {
	s, clk := tempStore(t)
	ctx := context.Background()
	mustInsert(t, s, newRecord("f1", "h1"))

	// Outputs cannot be committed before the run starts.
	ok, _ := s.Complete(ctx, "f1", Outcome{Status: StatusProcessed})
	if ok {
		t.Fatal("Complete succeeded on an uploaded record")
	}

	s.BeginProcessing(ctx, "f1")
	clk.Advance(1500 * time.Millisecond)
	ok, err := s.Complete(ctx, "f1", Outcome{
		Status: StatusFailed,
		Err:    strings.Repeat("x", 900),
	})
	if err != nil || !ok {
		t.Fatalf("Complete = %v, %v", ok, err)
	}
	r, _ := s.Get(ctx, "f1")
	if r.Status != StatusFailed {
		t.Errorf("status = %q", r.Status)
	}
	if r.ProcessingCompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if r.ProcessingTimeSeconds == nil || *r.ProcessingTimeSeconds != 1.5 {
		t.Errorf("processing_time_seconds = %v, want 1.5", r.ProcessingTimeSeconds)
	}
	if r.ProcessingError == nil || len(*r.ProcessingError) != MaxErrorLen {
		t.Errorf("processing_error not truncated to %d", MaxErrorLen)
	}

	if _, err := s.Complete(ctx, "f1", Outcome{Status: StatusProcessing}); err == nil {
		t.Error("Complete accepted a non-terminal status")
	}
}

func TestComplete_LosesToQuarantine(t *testing.T) {
	s, _ := tempStore(t)
	ctx := context.Background()
	mustInsert(t, s, newRecord("f1", "h1"))
	s.BeginProcessing(ctx, "f1")
	s.Quarantine(ctx, "f1", "macro detected")

	ok, err := s.Complete(ctx, "f1", Outcome{Status: StatusProcessed})
	if err != nil || ok {
		t.Fatalf("Complete = %v, %v; want false, nil", ok, err)
	}
	r, _ := s.Get(ctx, "f1")
	if r.Status != StatusQuarantined || r.QuarantineReason != "macro detected" {
		t.Errorf("record = %q %q", r.Status, r.QuarantineReason)
	}
}

func TestResetForReprocess(t *testing.T) {
	s, _ := tempStore(t)
	ctx := context.Background()
	mustInsert(t, s, newRecord("f1", "h1"))

	if ok, _ := s.ResetForReprocess(ctx, "f1"); ok {
		t.Error("reset allowed from uploaded")
	}

	s.BeginProcessing(ctx, "f1")
	s.Complete(ctx, "f1", Outcome{Status: StatusFailed, Err: "boom"})
	ok, err := s.ResetForReprocess(ctx, "f1")
	if err != nil || !ok {
		t.Fatalf("ResetForReprocess = %v, %v", ok, err)
	}
	r, _ := s.Get(ctx, "f1")
	if r.Status != StatusUploaded || r.ProcessingError != nil || r.ProcessingAttemptCount != 0 {
		t.Errorf("record not reset: %+v", r)
	}
}

func TestResetStale(t *testing.T) {
	s, clk := tempStore(t)
	ctx := context.Background()
	mustInsert(t, s, newRecord("f1", "h1"))
	s.BeginProcessing(ctx, "f1")
	clk.Advance(time.Hour)

	stale, err := s.ListStale(ctx, clk.Now().Add(-30*time.Minute))
	if err != nil || len(stale) != 1 {
		t.Fatalf("ListStale = %d, %v", len(stale), err)
	}
	ok, err := s.ResetStale(ctx, "f1", clk.Now().Add(-30*time.Minute))
	if err != nil || !ok {
		t.Fatalf("ResetStale = %v, %v", ok, err)
	}
	r, _ := s.Get(ctx, "f1")
	if r.Status != StatusUploaded {
		t.Errorf("status = %q", r.Status)
	}
}

func TestRelease(t *testing.T) {
	s, _ := tempStore(t)
	ctx := context.Background()
	mustInsert(t, s, newRecord("f1", "h1"))

	if ok, _ := s.Release(ctx, "f1"); ok {
		t.Fatal("Release of an uploaded record reported true")
	}
	s.BeginProcessing(ctx, "f1")
	ok, err := s.Release(ctx, "f1")
	if err != nil || !ok {
		t.Fatalf("Release = %v, %v", ok, err)
	}
	r, _ := s.Get(ctx, "f1")
	if r.Status != StatusUploaded || r.ProcessingStartedAt != nil {
		t.Errorf("status = %q, started = %v", r.Status, r.ProcessingStartedAt)
	}
	if r.ProcessingAttemptCount != 1 {
		t.Errorf("attempts = %d, want 1", r.ProcessingAttemptCount)
	}

	s.Quarantine(ctx, "f1", "manual")
	if ok, _ := s.Release(ctx, "f1"); ok {
		t.Error("Release moved a quarantined record")
	}
}

func TestCountByStatus(t *testing.T) {
	s, _ := tempStore(t)
	ctx := context.Background()
	mustInsert(t, s, newRecord("f1", "h1"))
	mustInsert(t, s, newRecord("f2", "h2"))
	mustInsert(t, s, newRecord("f3", "h3"))
	s.BeginProcessing(ctx, "f3")
	s.SoftDelete(ctx, "f2")

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[StatusUploaded] != 1 || counts[StatusProcessing] != 1 {
		t.Errorf("counts = %v", counts)
	}

	list, _ := s.ListByStatus(ctx, StatusUploaded, 10)
	if len(list) != 1 || list[0].ID != "f1" {
		t.Errorf("ListByStatus = %v", list)
	}
}

func TestEventLog(t *testing.T) {
	s, _ := tempStore(t)
	ctx := context.Background()
	log := NewEventLog(s, nil)
	log.Log(ctx, "f1", EventUploaded, map[string]any{"bytes": 12})
	log.Log(ctx, "f1", EventProcessed, nil)
	log.Log(ctx, "f2", EventDuplicate, nil)

	events, err := log.List(ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Kind != EventUploaded || events[0].Details["bytes"] != float64(12) {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Kind != EventProcessed {
		t.Errorf("second event = %+v", events[1])
	}

	var nilLog *EventLog
	nilLog.Log(ctx, "f1", EventFailed, nil)
}
