// Package recovery rebuilds a conversation's message context from stored steps.
package recovery

import (
	"fmt"
	"strings"

	"github.com/gypyanpeng/agent-history/internal/models"
)

// DefaultMarkers identify recovery notices, which never count as history.
var DefaultMarkers = []string{"Session resumed", "会话已恢复", "已加载"}

// Labels are the display names that identify who wrote a step.
type Labels struct {
	User      []string
	Assistant []string
}

func DefaultLabels() Labels {
	return Labels{
		User:      []string{"User", "用户", "admin"},
		Assistant: []string{"Assistant", "助手", "LangGraph Agent"},
	}
}

// Options tune Reconstruct. Zero values fall back to the defaults.
type Options struct {
	Labels  Labels
	Markers []string
}

func (o Options) withDefaults() Options {
	if len(o.Labels.User) == 0 && len(o.Labels.Assistant) == 0 {
		o.Labels = DefaultLabels()
	}
	if o.Markers == nil {
		o.Markers = DefaultMarkers
	}
	return o
}

// Result is a reconstructed conversation. Unclassified holds content-bearing
// steps whose speaker could not be determined.
type Result struct {
	Messages     []models.Message
	Unclassified []models.Step
}

// ClassifyRole decides who wrote a step. Name labels take precedence over the
// step type, and user labels over assistant labels.
func ClassifyRole(step *models.Step, labels Labels) (models.Role, bool) {
	switch {
	case contains(labels.User, step.Name):
		return models.RoleUser, true
	case contains(labels.Assistant, step.Name):
		return models.RoleAssistant, true
	case step.Type == models.UserMessage:
		return models.RoleUser, true
	case step.Type == models.AssistantMessage:
		return models.RoleAssistant, true
	}
	return "", false
}

// Reconstruct turns steps, already in creation order, into conversation messages.
func Reconstruct(steps []models.Step, opts Options) Result {
	opts = opts.withDefaults()

	var res Result
	for i := range steps {
		step := &steps[i]
		if step.Type.IsHousekeeping() {
			continue
		}
		if IsNotice(step.Output, opts.Markers) {
			continue
		}
		if !step.HasContent() {
			continue
		}

		role, ok := ClassifyRole(step, opts.Labels)
		if !ok {
			res.Unclassified = append(res.Unclassified, *step)
			continue
		}
		res.Messages = append(res.Messages, models.Message{Role: role, Content: step.Content()})
	}
	return res
}

// Notice is the message shown after a resume. It always carries a marker.
func Notice(n int) string {
	return fmt.Sprintf("Session resumed. Loaded %d history messages.", n)
}

// IsNotice reports whether content carries one of the recovery markers.
func IsNotice(content string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(content, m) {
			return true
		}
	}
	return false
}

func contains(labels []string, name string) bool {
	for _, l := range labels {
		if l == name {
			return true
		}
	}
	return false
}
