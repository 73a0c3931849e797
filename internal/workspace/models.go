// Package workspace defines the data shapes of the user's productivity
// workspace: life areas, projects, tasks, habits, and habit logs.
//
// The structs are never populated from workspace data by this program — the
// model reads and writes the workspace through the tool bridge. Their only
// job is to render authoritative JSON Schemas into the system prompt so the
// model produces well-formed tool arguments.
package workspace

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// Area is a life domain grouping projects and habits (e.g. Health, Work).
type Area struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Project is a multi-task effort inside one area.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Area        string    `json:"area"`
	Status      string    `json:"status"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	Description string    `json:"description"`
}

// Task is a single unit of work, optionally linked to a project.
type Task struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Area     string    `json:"area"`
	Project  string    `json:"project"`
	Session  string    `json:"session"`
	Status   string    `json:"status"`
	Priority int       `json:"priority"`
	Due      time.Time `json:"due"`
	Effort   int       `json:"effort"`
	Impact   int       `json:"impact"`
}

// Habit is a recurring behaviour with a weekly completion target.
type Habit struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Area       string `json:"area"`
	TargetWeek int    `json:"target_week"`
}

// HabitLog records a single completion (or miss) of a habit on a date.
type HabitLog struct {
	ID    string    `json:"id"`
	Date  time.Time `json:"date"`
	Habit string    `json:"habit"`
	Done  bool      `json:"done"`
}

// SchemaJSON returns the JSON Schema of T as a compact JSON string.
func SchemaJSON[T any]() (string, error) {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return "", fmt.Errorf("workspace: derive schema: %w", err)
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("workspace: encode schema: %w", err)
	}
	return string(data), nil
}
