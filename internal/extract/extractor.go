// Package extract turns free-text agent replies into normalized work items.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"agentdash/internal/domain"
	"agentdash/internal/llm"
)

// WorkItem is a task or feature descriptor ready to be persisted.
type WorkItem struct {
	ProjectID     int64    `json:"projectId"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Priority      string   `json:"priority"`
	Status        string   `json:"status"`
	EstimatedTime *float64 `json:"estimatedTime,omitempty"`
	AssignedTo    *int64   `json:"assignedTo,omitempty"`
	IsFeature     bool     `json:"isFeature"`
	ParentID      *int64   `json:"parentId,omitempty"`
}

// ErrNoJSON is returned by Parse when the text holds no JSON document.
var ErrNoJSON = errors.New("no json document in model output")

const schemaInstruction = `You extract work items from a project conversation.
Return a single JSON object of the form {"tasks": [...]} and nothing else.
Each element has these fields:
  "title":         string, required, short imperative summary
  "description":   string, optional
  "priority":      one of "low", "medium", "high", "critical"
  "status":        one of "todo", "in_progress", "review", "done", "blocked"
  "estimatedTime": number of hours, or null
  "assignedTo":    numeric agent id from the roster, or null
  "isFeature":     true when the item groups other items
  "parentId":      numeric id of an existing feature, or null
If the text describes no work, return {"tasks": []}.
Example:
{"tasks":[{"title":"Login page","description":"Email and password sign in","priority":"high","status":"todo","estimatedTime":null,"assignedTo":null,"isFeature":true,"parentId":null},
{"title":"Build login form","priority":"medium","status":"todo","estimatedTime":3,"assignedTo":2,"isFeature":false,"parentId":null}]}`

// Extractor asks a language model for the work items described by a reply.
type Extractor struct {
	LLM    llm.Completer
	Logger *zap.Logger
}

// Extract never fails: model and parse errors are logged and yield an empty slice.
func (x Extractor) Extract(ctx context.Context, text string, projectID int64) []WorkItem {
	logger := x.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(text) == "" || x.LLM == nil {
		return []WorkItem{}
	}
	raw, err := x.LLM.Complete(ctx, llm.Request{
		System:      schemaInstruction,
		Prompt:      "Extract the work items from this message:\n\n" + text,
		Temperature: llm.Temperature(0),
		JSON:        true,
	})
	if err != nil {
		logger.Warn("extraction call failed", zap.Int64("project_id", projectID), zap.Error(err))
		return []WorkItem{}
	}
	items, err := Parse(raw, projectID)
	if err != nil {
		logger.Warn("extraction output unparsable", zap.Int64("project_id", projectID), zap.Error(err))
		return []WorkItem{}
	}
	logger.Debug("extracted work items", zap.Int64("project_id", projectID), zap.Int("count", len(items)))
	return items
}

// Parse decodes model output into normalized items for projectID. Accepted shapes are an object with a
// tasks array, a bare array, or either of those wrapped in prose or code fences.
func Parse(raw string, projectID int64) ([]WorkItem, error) {
	body := stripFences(raw)
	elems, err := decodeItems(body)
	if err != nil {
		if elems, err = decodeEmbedded(body); err != nil {
			return nil, err
		}
	}
	items := make([]WorkItem, 0, len(elems))
	for _, e := range elems {
		if it, ok := Normalize(e, projectID); ok {
			items = append(items, it)
		}
	}
	return items, nil
}

// decodeEmbedded looks for an object, then an array, between the outermost delimiters in body.
func decodeEmbedded(body string) ([]map[string]any, error) {
	err := ErrNoJSON
	for _, delim := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start, end := strings.Index(body, delim[0]), strings.LastIndex(body, delim[1])
		if start < 0 || end <= start {
			continue
		}
		elems, derr := decodeItems(body[start : end+1])
		if derr == nil {
			return elems, nil
		}
		err = derr
	}
	return nil, err
}

func decodeItems(body string) ([]map[string]any, error) {
	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, err
	}
	var list []any
	switch v := doc.(type) {
	case []any:
		list = v
	case map[string]any:
		tasks, ok := v["tasks"].([]any)
		if !ok {
			return nil, fmt.Errorf("object has no tasks array")
		}
		list = tasks
	default:
		return nil, fmt.Errorf("unexpected top-level %T", doc)
	}
	var out []map[string]any
	for _, e := range list {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Normalize coerces one decoded element into a WorkItem. Items without a title are dropped.
func Normalize(m map[string]any, projectID int64) (WorkItem, bool) {
	it := WorkItem{
		ProjectID:   projectID,
		Title:       strings.TrimSpace(str(m, "title", "name")),
		Description: strings.TrimSpace(str(m, "description")),
	}
	if it.Title == "" {
		return WorkItem{}, false
	}
	it.Status = enum(str(m, "status"), domain.TaskStatuses, domain.TaskTodo)
	it.Priority = enum(str(m, "priority"), domain.Priorities, domain.PriorityMedium)
	if est, ok := number(m, "estimatedTime", "estimated_time", "estimate"); ok && est >= 0 {
		it.EstimatedTime = &est
	}
	it.AssignedTo = id(m, "assignedTo", "assigned_to", "assignee")
	it.ParentID = id(m, "parentId", "parent_id")
	it.IsFeature = boolean(m, "isFeature", "is_feature")
	return it, true
}

func enum(v string, allowed []string, fallback string) string {
	v = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(v)), " ", "_")
	v = strings.ReplaceAll(v, "-", "_")
	if domain.Contains(allowed, v) {
		return v
	}
	return fallback
}

func lookup(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func str(m map[string]any, keys ...string) string {
	v, ok := lookup(m, keys...)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func number(m map[string]any, keys ...string) (float64, bool) {
	v, ok := lookup(m, keys...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func id(m map[string]any, keys ...string) *int64 {
	f, ok := number(m, keys...)
	if !ok || f <= 0 || f != math.Trunc(f) || f > math.MaxInt64/2 {
		return nil
	}
	n := int64(f)
	return &n
}

func boolean(m map[string]any, keys ...string) bool {
	v, ok := lookup(m, keys...)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, _ := strconv.ParseBool(strings.TrimSpace(b))
		return parsed
	}
	return false
}
