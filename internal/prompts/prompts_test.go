package prompts_test

import (
	"strings"
	"testing"
	"time"

	"github.com/lifeos-labs/lifeos-agent/internal/prompts"
)

func testIDs() prompts.DatabaseIDs {
	return prompts.DatabaseIDs{
		Area:     "area-id",
		Project:  "project-id",
		Task:     "task-id",
		Habit:    "habit-id",
		HabitLog: "habit-log-id",
	}
}

func TestStaticSystemPrompt_ContainsDatabaseMap(t *testing.T) {
	t.Parallel()
	b, err := prompts.NewBuilder(testIDs())
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	static := b.StaticSystemPrompt()
	for _, want := range []string{
		"area-id", "project-id", "task-id", "habit-id", "habit-log-id",
		"DATABASE MAP",
		"RELATION HANDLING",
		"query_database",
	} {
		if !strings.Contains(static, want) {
			t.Errorf("static prompt missing %q", want)
		}
	}

	// The schemas must be embedded, not just the IDs.
	if !strings.Contains(static, `"target_week"`) {
		t.Error("static prompt missing habit schema fields")
	}
}

func TestStaticSystemPrompt_StableAcrossCalls(t *testing.T) {
	t.Parallel()
	b, err := prompts.NewBuilder(testIDs())
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if b.StaticSystemPrompt() != b.StaticSystemPrompt() {
		t.Error("static prompt must be identical across calls")
	}
}

func TestDynamicContext_UsesClock(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC)
	b, err := prompts.NewBuilder(testIDs(), prompts.WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	dyn := b.DynamicContext()
	if !strings.Contains(dyn, "2025-03-14 09:30:00") {
		t.Errorf("dynamic context missing timestamp: %q", dyn)
	}
	if !strings.Contains(dyn, "Friday") {
		t.Errorf("dynamic context missing weekday: %q", dyn)
	}
}
