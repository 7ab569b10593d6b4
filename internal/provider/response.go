package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
)

// parsedResponse is the normalised view of any provider body: submission
// acknowledgements, inline results, poll answers and callbacks all share it.
type parsedResponse struct {
	TaskID    string
	Status    string
	OutputRef string
	Error     string
}

func parseResponse(body []byte) (parsedResponse, error) {
	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		return parsedResponse{}, fmt.Errorf("decode provider response: %w", err)
	}

	inner := root
	if d, ok := root["data"].(map[string]any); ok {
		inner = d
	}

	var out parsedResponse
	out.TaskID = firstString(inner["task_id"], root["task_id"], inner["id"])
	out.Status = firstString(inner["status"], root["status"])
	out.Error = firstString(inner["error"], root["error"], inner["message"], root["message"])
	out.OutputRef = firstOutput(
		inner["generated"], root["generated"],
		root["data"],
		inner["image_url"], inner["url"], inner["high_resolution"], inner["result"],
		root["image_url"], root["url"], root["high_resolution"], root["result"],
	)
	return out, nil
}

// NormalizeStatus maps the provider's status vocabulary onto task statuses.
func NormalizeStatus(s string) (domain.Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CREATED", "PENDING", "QUEUED":
		return domain.StatusPending, true
	case "IN_PROGRESS", "PROCESSING", "RUNNING":
		return domain.StatusProcessing, true
	case "COMPLETED", "DONE", "SUCCESS", "SUCCEEDED":
		return domain.StatusCompleted, true
	case "FAILED", "ERROR":
		return domain.StatusFailed, true
	case "CANCELLED", "CANCELED":
		return domain.StatusCancelled, true
	}
	return "", false
}

func firstString(vals ...any) string {
	for _, v := range vals {
		switch s := v.(type) {
		case string:
			if s != "" {
				return s
			}
		case map[string]any:
			if m := firstString(s["message"], s["detail"]); m != "" {
				return m
			}
		}
	}
	return ""
}

// firstOutput finds the first usable result reference. Arrays are searched in
// order; objects yield their url field, or a data URI for inline base64.
func firstOutput(vals ...any) string {
	for _, v := range vals {
		if out := outputOf(v); out != "" {
			return out
		}
	}
	return ""
}

func outputOf(v any) string {
	switch x := v.(type) {
	case string:
		if strings.HasPrefix(x, "http://") || strings.HasPrefix(x, "https://") || strings.HasPrefix(x, "data:") {
			return x
		}
	case []any:
		for _, item := range x {
			if out := outputOf(item); out != "" {
				return out
			}
		}
	case map[string]any:
		if out := firstOutput(x["url"], x["image_url"], x["high_resolution"]); out != "" {
			return out
		}
		if b64, ok := x["base64"].(string); ok && b64 != "" {
			return "data:image/png;base64," + b64
		}
	}
	return ""
}
