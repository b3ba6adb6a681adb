// Package agent renders role prompts and asks the language model for an agent's reply.
package agent

import (
	"context"
	"fmt"
	"strings"

	"agentdash/internal/config"
	"agentdash/internal/domain"
	"agentdash/internal/llm"
)

// ContextBundle is everything a reply may draw on. Unset fields are omitted from the prompt.
type ContextBundle struct {
	Project      *domain.Project
	Tasks        []domain.Task
	Agents       []domain.Agent
	History      []string
	AllProjects  []domain.Project
	Task         *domain.Task
	SiblingTasks []domain.Task
}

// Responder produces an agent's free-text reply.
type Responder struct {
	LLM         llm.Completer
	Config      *config.Config
	Temperature float64
}

func (r Responder) profile(role string) config.RoleProfile {
	if r.Config != nil {
		return r.Config.Role(role)
	}
	return config.Default().Roles[role]
}

func (r Responder) Respond(ctx context.Context, a domain.Agent, prompt string, b ContextBundle) (string, error) {
	temp := r.Temperature
	if temp == 0 {
		temp = 0.7
	}
	reply, err := r.LLM.Complete(ctx, llm.Request{
		System:      SystemPrompt(a, r.profile(a.Role)),
		Prompt:      RenderContext(b) + "\nMessage:\n" + prompt,
		Temperature: llm.Temperature(temp),
	})
	if err != nil {
		return "", fmt.Errorf("agent %s reply: %w", a.Name, err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("agent %s reply: empty", a.Name)
	}
	return reply, nil
}

// SystemPrompt renders the persona block for an agent.
func SystemPrompt(a domain.Agent, p config.RoleProfile) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Your name is %s and your role is %s.\n", a.Name, a.Role)
	if p.Persona != "" {
		sb.WriteString(p.Persona + "\n")
	}
	writeList(&sb, "Responsibilities", p.Responsibilities)
	writeList(&sb, "Decision guidelines", p.DecisionGuidelines)
	sb.WriteString("Answer in character, in plain prose, without inventing facts about the project.")
	return sb.String()
}

// RenderContext renders the bundle as prompt sections.
func RenderContext(b ContextBundle) string {
	var sb strings.Builder
	if b.Project != nil {
		fmt.Fprintf(&sb, "Project: %s (status %s)\n", b.Project.Name, b.Project.Status)
		if b.Project.Description != "" {
			sb.WriteString("Description: " + b.Project.Description + "\n")
		}
	}
	if b.Task != nil {
		fmt.Fprintf(&sb, "Current task #%d: %s [%s, %s priority, %d%%]\n", b.Task.ID, b.Task.Title, b.Task.Status, b.Task.Priority, b.Task.Progress)
		if b.Task.Description != "" {
			sb.WriteString("Task description: " + b.Task.Description + "\n")
		}
	}
	if len(b.SiblingTasks) > 0 {
		sb.WriteString("Related tasks:\n")
		for _, t := range b.SiblingTasks {
			fmt.Fprintf(&sb, "- #%d %s [%s]\n", t.ID, t.Title, t.Status)
		}
	}
	if len(b.Tasks) > 0 {
		sb.WriteString("Tasks:\n")
		for _, t := range b.Tasks {
			kind := "task"
			if t.IsFeature {
				kind = "feature"
			}
			fmt.Fprintf(&sb, "- #%d %s %s [%s, %s, %d%%]\n", t.ID, kind, t.Title, t.Status, t.Priority, t.Progress)
		}
	}
	if len(b.Agents) > 0 {
		sb.WriteString("Team:\n")
		for _, a := range b.Agents {
			fmt.Fprintf(&sb, "- #%d %s (%s)\n", a.ID, a.Name, a.Role)
		}
	}
	if len(b.AllProjects) > 0 {
		sb.WriteString("Other projects:\n")
		for _, p := range b.AllProjects {
			if b.Project != nil && p.ID == b.Project.ID {
				continue
			}
			fmt.Fprintf(&sb, "- %s (%s)\n", p.Name, p.Status)
		}
	}
	if len(b.History) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, line := range b.History {
			sb.WriteString(line + "\n")
		}
	}
	return sb.String()
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString(title + ":\n")
	for _, it := range items {
		sb.WriteString("- " + it + "\n")
	}
}
