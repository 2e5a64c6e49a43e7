package api

import (
	"fmt"
	"sort"

	"github.com/lamim/docforge/internal/snapshot"
	"github.com/lamim/docforge/internal/util"
	"github.com/lamim/docforge/pkg/models"
)

// DocumentTypeField names the form field that selects the document kind
const DocumentTypeField = "document_type"

// Field is one form answer as seen by prompt templates
type Field struct {
	Name  string
	Value string
}

// PromptData builds the template data for a form snapshot: .Form (raw),
// .Fields (sorted by name, values rendered as text) and .DocumentType
func PromptData(data models.FormData) map[string]any {
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]Field, 0, len(names))
	for _, name := range names {
		fields = append(fields, Field{Name: name, Value: renderValue(data[name])})
	}

	docType, _ := data[DocumentTypeField].(string)

	return map[string]any{
		"Form":         map[string]any(data),
		"Fields":       fields,
		"DocumentType": docType,
	}
}

// BuildMessages renders the system and document prompts for snapshot
func (c *Client) BuildMessages(data models.FormData) ([]Message, error) {
	promptData := PromptData(data)

	user, err := util.RenderTemplate(c.templates.DocumentPrompt, promptData)
	if err != nil {
		return nil, fmt.Errorf("failed to render document prompt: %w", err)
	}

	var messages []Message
	if c.templates.SystemPrompt != "" {
		system, err := util.RenderTemplate(c.templates.SystemPrompt, promptData)
		if err != nil {
			return nil, fmt.Errorf("failed to render system prompt: %w", err)
		}
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: user})
	return messages, nil
}

func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	}
	raw, err := snapshot.EncodeValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
