// Package prompts builds the system prompt and the per-turn dynamic context
// preamble for the workspace assistant.
//
// The static prompt carries the workspace database identifiers and the JSON
// Schemas of the workspace models so the model produces well-formed tool
// arguments. The dynamic context carries the current timestamp and is
// regenerated on every model turn.
package prompts

import (
	"fmt"
	"strings"
	"time"

	"github.com/lifeos-labs/lifeos-agent/internal/workspace"
)

// DatabaseIDs holds the workspace database identifiers referenced by the
// static prompt.
type DatabaseIDs struct {
	Area     string
	Project  string
	Task     string
	Habit    string
	HabitLog string
}

// Builder renders the prompt surfaces. Construct with [NewBuilder]; the
// static prompt is rendered once since the schemas never change at runtime.
type Builder struct {
	static string
	now    func() time.Time
}

// Option configures a Builder during construction.
type Option func(*Builder)

// WithClock overrides the time source used by [Builder.DynamicContext].
// Used in tests.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// NewBuilder renders the static system prompt for the given database IDs.
// Schema derivation failures are reported once here rather than on every
// turn.
func NewBuilder(ids DatabaseIDs, opts ...Option) (*Builder, error) {
	static, err := renderStatic(ids)
	if err != nil {
		return nil, err
	}
	b := &Builder{static: static, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// StaticSystemPrompt returns the static instruction block.
func (b *Builder) StaticSystemPrompt() string {
	return b.static
}

// DynamicContext returns the per-turn context preamble (current timestamp and
// weekday).
func (b *Builder) DynamicContext() string {
	now := b.now()
	return fmt.Sprintf(
		"[REAL-TIME CONTEXT]\n- Current time: %s (%s)\n- Today is a working day; focus on high-priority tasks.",
		now.Format("2006-01-02 15:04:05"),
		now.Format("Monday"),
	)
}

// renderStatic assembles the full static system prompt.
func renderStatic(ids DatabaseIDs) (string, error) {
	areaSchema, err := workspace.SchemaJSON[workspace.Area]()
	if err != nil {
		return "", err
	}
	projectSchema, err := workspace.SchemaJSON[workspace.Project]()
	if err != nil {
		return "", err
	}
	taskSchema, err := workspace.SchemaJSON[workspace.Task]()
	if err != nil {
		return "", err
	}
	habitSchema, err := workspace.SchemaJSON[workspace.Habit]()
	if err != nil {
		return "", err
	}
	habitLogSchema, err := workspace.SchemaJSON[workspace.HabitLog]()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("You are the LifeOS Manager Agent, a professional assistant for the user's Notion workspace.\n\n")

	sb.WriteString("# 1. DATABASE MAP (IDs & SCHEMAS)\n")
	sb.WriteString("You MUST use these databases and structures:\n")
	fmt.Fprintf(&sb, "- AREA: `%s`\n  Schema: %s\n", ids.Area, areaSchema)
	fmt.Fprintf(&sb, "- PROJECT: `%s`\n  Schema: %s\n", ids.Project, projectSchema)
	fmt.Fprintf(&sb, "- TASK: `%s`\n  Schema: %s\n", ids.Task, taskSchema)
	fmt.Fprintf(&sb, "- HABIT: `%s`\n  Schema: %s\n", ids.Habit, habitSchema)
	fmt.Fprintf(&sb, "- HABIT LOG: `%s`\n  Schema: %s\n", ids.HabitLog, habitLogSchema)

	sb.WriteString(`
# 2. WORKSPACE JSON FORMAT (STRICT)
When calling create_page or update_page, properties must follow the nested structure:
- Date: {"start": "YYYY-MM-DD"} inside a {"date": ...} object
- Relation: [{"id": "UUID_OF_RELATED_PAGE"}] inside a {"relation": ...} object
- Select/Status: {"name": "Option_Name"} inside {"select": ...} or {"status": ...}
- Title/RichText: [{"text": {"content": "..."}}] inside {"title": ...}
Omit fields with no data; never send null.

# 3. RELATION HANDLING (MOST IMPORTANT)
You must NEVER invent a page_id for relation fields (Project, Area).
1. Always use query_database with a filter to find the parent record first.
2. Take the id from the result.
3. Use that id in the new record's payload.

# 4. OUTPUT STYLE
You are chatting on a small phone screen.
1. NEVER use markdown tables; they break on mobile.
2. Use bullet points and emojis to structure information.
3. Be brief and direct, executive-summary style.
4. If the total planned effort exceeds 10 hours in a day, lead with a
   warning and propose cuts or reschedules before listing anything.
`)
	return sb.String(), nil
}
