package audit

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndRecent(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	if err := l.Record(ctx, Event{Kind: KindConnect, RemoteAddr: "10.0.0.1:5900", SessionID: "s1"}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := l.Record(ctx, Event{Kind: KindAuthFailure, RemoteAddr: "10.0.0.1:5900", SessionID: "s1", SecurityType: "vncauth"}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	events, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestForSession(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	l.Record(ctx, Event{Kind: KindConnect, RemoteAddr: "a", SessionID: "sess-A"})
	l.Record(ctx, Event{Kind: KindConnect, RemoteAddr: "b", SessionID: "sess-B"})
	l.Record(ctx, Event{Kind: KindDisconnect, RemoteAddr: "a", SessionID: "sess-A"})

	events, err := l.ForSession(ctx, "sess-A")
	if err != nil {
		t.Fatalf("ForSession() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for sess-A, got %d", len(events))
	}
	if events[0].Kind != KindConnect || events[1].Kind != KindDisconnect {
		t.Errorf("events out of chronological order: %+v", events)
	}
}
