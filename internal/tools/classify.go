package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/CK991357/gemini-chat-sub000/internal/events"
	"github.com/CK991357/gemini-chat-sub000/internal/extract"
	"github.com/CK991357/gemini-chat-sub000/internal/util"
)

// artifactPayload is the shape emitted by generation tools that produce a
// non-text artifact.
type artifactPayload struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Title    string `json:"title"`
}

// classifyAndEmit inspects a successful tool output and produces the bounded
// observation text. Artifact payloads turn into lifecycle events and a short
// confirmation so binary or base64 content never enters the model context.
func (e *Executor) classifyAndEmit(stepIndex int, toolName, output string) (string, string) {
	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "{") {
		var payload artifactPayload
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
			switch strings.ToLower(payload.Type) {
			case "image":
				e.events.Publish(e.runID, events.ImageGenerated, map[string]interface{}{
					"tool":       toolName,
					"step_index": stepIndex,
					"url":        payload.URL,
					"title":      payload.Title,
				})
				e.logger.Debug("image artifact emitted", zap.String("tool", toolName))
				return fmt.Sprintf("Image generated successfully%s. It has been delivered to the user; continue with the research.", describeArtifact(payload)), "image"
			case "excel", "word", "pdf", "file":
				e.events.Publish(e.runID, events.FileGenerated, map[string]interface{}{
					"tool":       toolName,
					"step_index": stepIndex,
					"file_type":  strings.ToLower(payload.Type),
					"url":        payload.URL,
					"filename":   payload.Filename,
				})
				return fmt.Sprintf("%s file generated successfully%s. It has been delivered to the user; continue with the research.",
					strings.ToUpper(payload.Type), describeArtifact(payload)), strings.ToLower(payload.Type)
			}
		}
	}

	contentType := "text"
	if extract.HasMarkdownStructure(trimmed) {
		contentType = "markdown"
	} else if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		contentType = "json"
	}
	return util.TruncateWithNotice(trimmed, e.cfg.ObservationMaxLen), contentType
}

func describeArtifact(p artifactPayload) string {
	switch {
	case p.Filename != "":
		return fmt.Sprintf(" (%s)", p.Filename)
	case p.Title != "":
		return fmt.Sprintf(" (%s)", p.Title)
	default:
		return ""
	}
}
