package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"automoth/pkg/logx"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "index.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "postgres", Path: filepath.Join(t.TempDir(), "x.db")}, logx.Nop())
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestPendingLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTest(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	late, err := db.InsertPending(ctx, PendingRow{Name: "late", Start: base.Add(2 * time.Hour), Interval: time.Minute, StopMode: "OFF"})
	if err != nil {
		t.Fatalf("InsertPending: %v", err)
	}
	early, err := db.InsertPending(ctx, PendingRow{Name: "early", Start: base, Interval: 30 * time.Second, StopMode: "NUMBER_OF_IMAGES", StopValue: 10})
	if err != nil {
		t.Fatalf("InsertPending: %v", err)
	}
	if early == late {
		t.Fatal("request codes must be distinct")
	}

	list, err := db.ListPending(ctx)
	if err != nil || len(list) != 2 || list[0].Name != "early" {
		t.Fatalf("ListPending = %+v, %v", list, err)
	}
	if !list[0].Start.Equal(base) || list[0].Interval != 30*time.Second || list[0].StopValue != 10 {
		t.Fatalf("round trip mismatch: %+v", list[0])
	}

	first, ok, err := db.EarliestPending(ctx)
	if err != nil || !ok || first.RequestCode != early {
		t.Fatalf("EarliestPending = %+v %v %v", first, ok, err)
	}

	existed, err := db.DeletePending(ctx, early)
	if err != nil || !existed {
		t.Fatalf("DeletePending = %v %v", existed, err)
	}
	existed, err = db.DeletePending(ctx, early)
	if err != nil || existed {
		t.Fatalf("second DeletePending = %v %v", existed, err)
	}
	if _, err := db.GetPending(ctx, early); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetPending after delete = %v", err)
	}

	// Codes are not reused after deletion.
	again, err := db.InsertPending(ctx, PendingRow{Name: "again", Start: base, Interval: time.Second, StopMode: "OFF"})
	if err != nil {
		t.Fatalf("InsertPending: %v", err)
	}
	if again <= late {
		t.Fatalf("code %d reused (late=%d)", again, late)
	}
}

func TestSessionCascade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTest(t)

	started := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	id, err := db.InsertSession(ctx, SessionRow{Name: "moths", Directory: "d1", Started: started, Interval: time.Minute})
	if err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	if _, err := db.InsertSession(ctx, SessionRow{Name: "dup", Directory: "d1", Started: started}); err == nil {
		t.Fatal("duplicate directory should fail")
	}

	for i := 0; i < 3; i++ {
		if _, err := db.InsertImage(ctx, ImageRow{SessionID: id, Filename: "x.jpg", Taken: started.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("InsertImage: %v", err)
		}
	}
	if n, err := db.CountImages(ctx, id); err != nil || n != 3 {
		t.Fatalf("CountImages = %d %v", n, err)
	}
	last, ok, err := db.LastImageTime(ctx, id)
	if err != nil || !ok || !last.Equal(started.Add(2*time.Minute)) {
		t.Fatalf("LastImageTime = %v %v %v", last, ok, err)
	}

	if err := db.UpsertField(ctx, FieldRow{Name: "note", Type: "string"}); err != nil {
		t.Fatalf("UpsertField: %v", err)
	}
	v := "cloudy"
	if err := db.SetValue(ctx, id, "note", &v); err != nil {
		t.Fatalf("SetValue: %v", err)
	}

	if err := db.UpdateLocation(ctx, id, 51.5, -0.1); err != nil {
		t.Fatalf("UpdateLocation: %v", err)
	}
	if err := db.UpdateCompletion(ctx, id, started.Add(time.Hour)); err != nil {
		t.Fatalf("UpdateCompletion: %v", err)
	}
	got, err := db.GetSession(ctx, id)
	if err != nil || got.Completed == nil || got.Latitude == nil || *got.Latitude != 51.5 {
		t.Fatalf("GetSession = %+v %v", got, err)
	}

	if err := db.DeleteSession(ctx, id); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if n, _ := db.CountImages(ctx, id); n != 0 {
		t.Fatalf("images not cascaded: %d", n)
	}
	vals, err := db.Values(ctx, id)
	if err != nil || len(vals) != 0 {
		t.Fatalf("values not cascaded: %v %v", vals, err)
	}
	if err := db.DeleteSession(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete = %v", err)
	}
}

func TestIncompleteSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTest(t)

	now := time.Now()
	open, _ := db.InsertSession(ctx, SessionRow{Name: "open", Directory: "a", Started: now})
	done := now.Add(time.Minute)
	if _, err := db.InsertSession(ctx, SessionRow{Name: "done", Directory: "b", Started: now, Completed: &done}); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	list, err := db.ListIncompleteSessions(ctx)
	if err != nil || len(list) != 1 || list[0].ID != open {
		t.Fatalf("ListIncompleteSessions = %+v %v", list, err)
	}
}

func TestFieldRenameCarriesValues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTest(t)

	id, _ := db.InsertSession(ctx, SessionRow{Name: "s", Directory: "s", Started: time.Now()})
	if err := db.UpsertField(ctx, FieldRow{Name: "trap", Type: "string"}); err != nil {
		t.Fatal(err)
	}
	v := "light"
	if err := db.SetValue(ctx, id, "trap", &v); err != nil {
		t.Fatal(err)
	}
	if err := db.RenameField(ctx, "trap", "trap_type"); err != nil {
		t.Fatalf("RenameField: %v", err)
	}
	vals, err := db.Values(ctx, id)
	if err != nil || vals["trap_type"] != "light" {
		t.Fatalf("Values = %v %v", vals, err)
	}
	if err := db.SetValue(ctx, id, "trap_type", nil); err != nil {
		t.Fatal(err)
	}
	vals, _ = db.Values(ctx, id)
	if _, ok := vals["trap_type"]; ok {
		t.Fatal("nil value should clear")
	}
}
