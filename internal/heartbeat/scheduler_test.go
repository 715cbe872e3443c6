package heartbeat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gateway/internal/config"
)

func testConfigs() []config.HeartbeatConfig {
	return []config.HeartbeatConfig{
		{Name: "morning", Schedule: "0 8 * * *", Prompt: "plan the day", Enabled: true, Channel: "chat-1"},
		{Name: "hourly", Schedule: "@hourly", Prompt: "check mail", Enabled: false},
	}
}

func newTestScheduler(t *testing.T, path string, fire Fire) *Scheduler {
	t.Helper()
	s, err := NewScheduler(testConfigs(), path, fire, nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInvalidScheduleRejected(t *testing.T) {
	cfgs := []config.HeartbeatConfig{{Name: "bad", Schedule: "not a cron"}}
	if _, err := NewScheduler(cfgs, filepath.Join(t.TempDir(), "hb.db"), nil, nil); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestListReportsNextRun(t *testing.T) {
	s := newTestScheduler(t, filepath.Join(t.TempDir(), "hb.db"), nil)

	statuses := s.List()
	if len(statuses) != 2 {
		t.Fatalf("statuses = %+v", statuses)
	}
	if statuses[0].Name != "morning" || !statuses[0].Enabled || statuses[0].NextRunAt == nil {
		t.Fatalf("morning = %+v", statuses[0])
	}
	if statuses[1].Enabled || statuses[1].NextRunAt != nil {
		t.Fatalf("hourly = %+v", statuses[1])
	}
}

func TestDueComputation(t *testing.T) {
	var fired []string
	s := newTestScheduler(t, filepath.Join(t.TempDir(), "hb.db"), func(ctx context.Context, hb config.HeartbeatConfig) {
		fired = append(fired, hb.Name)
	})

	base := time.Date(2026, 8, 26, 7, 0, 0, 0, time.UTC)

	// First observation anchors lastRun without firing.
	s.runDue(context.Background(), base)
	if len(fired) != 0 {
		t.Fatalf("fired on first tick: %v", fired)
	}

	// Before 08:00 nothing is due; after it, morning fires once.
	s.runDue(context.Background(), base.Add(30*time.Minute))
	if len(fired) != 0 {
		t.Fatalf("fired early: %v", fired)
	}
	s.runDue(context.Background(), base.Add(90*time.Minute))
	if len(fired) != 1 || fired[0] != "morning" {
		t.Fatalf("fired = %v", fired)
	}
	// The same slot does not fire twice.
	s.runDue(context.Background(), base.Add(95*time.Minute))
	if len(fired) != 1 {
		t.Fatalf("slot fired twice: %v", fired)
	}
}

func TestDisabledNeverFires(t *testing.T) {
	var fired []string
	s := newTestScheduler(t, filepath.Join(t.TempDir(), "hb.db"), func(ctx context.Context, hb config.HeartbeatConfig) {
		fired = append(fired, hb.Name)
	})

	base := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	s.runDue(context.Background(), base)
	// Days pass; the disabled hourly heartbeat stays silent.
	s.runDue(context.Background(), base.Add(48*time.Hour))
	for _, name := range fired {
		if name == "hourly" {
			t.Fatal("disabled heartbeat fired")
		}
	}
}

func TestTogglePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hb.db")

	s := newTestScheduler(t, path, nil)
	if err := s.Toggle("hourly", true); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if err := s.Toggle("morning", false); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if err := s.Toggle("ghost", true); err == nil {
		t.Fatal("expected error for unknown heartbeat")
	}
	s.Close()

	restarted := newTestScheduler(t, path, nil)
	statuses := restarted.List()
	if statuses[0].Enabled {
		t.Fatal("morning toggle lost on restart")
	}
	if !statuses[1].Enabled {
		t.Fatal("hourly toggle lost on restart")
	}
}

func TestLastRunPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hb.db")
	base := time.Date(2026, 8, 26, 7, 0, 0, 0, time.UTC)

	s := newTestScheduler(t, path, nil)
	s.runDue(context.Background(), base)
	s.Close()

	var fired []string
	restarted := newTestScheduler(t, path, func(ctx context.Context, hb config.HeartbeatConfig) {
		fired = append(fired, hb.Name)
	})
	// The anchor survived the restart, so the 08:00 slot fires.
	restarted.runDue(context.Background(), base.Add(2*time.Hour))
	if len(fired) != 1 || fired[0] != "morning" {
		t.Fatalf("fired = %v", fired)
	}
}
