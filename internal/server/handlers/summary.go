package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Report files the summary aggregates, relative to the output directory.
const (
	cleanupPlanFile    = "cleanup_plan.json"
	categorizationFile = "categorization_report.json"
	responsePlanFile   = "response_plan.json"
)

// SummaryResponse is the body of GET /summary. Each entry carries the listed
// keys of its source item; keys missing from the item are null.
type SummaryResponse struct {
	DeletedEmails []map[string]any `json:"deleted_emails"`
	ReadOnly      []map[string]any `json:"read_only"`
	Drafts        []map[string]any `json:"drafts"`
}

// Summary handles GET /summary: deleted messages from the cleanup plan,
// read-only messages from the categorization report and drafts from the
// response plan. Missing or unparsable reports contribute nothing.
func (h *OutputHandler) Summary(w http.ResponseWriter, r *http.Request) {
	resp := SummaryResponse{
		DeletedEmails: []map[string]any{},
		ReadOnly:      []map[string]any{},
		Drafts:        []map[string]any{},
	}

	for _, it := range h.reportItems(cleanupPlanFile, "items") {
		if deleted, _ := it["deleted"].(bool); deleted {
			resp.DeletedEmails = append(resp.DeletedEmails, pick(it, "email_id", "subject", "sender", "age_days", "reason"))
		}
	}

	for _, it := range h.reportItems(categorizationFile, "items", "emails") {
		action := strings.ToUpper(stringField(it, "required_action"))
		category := strings.ToUpper(stringField(it, "category"))
		if action == "READ_ONLY" || category == "YOUTUBE" {
			resp.ReadOnly = append(resp.ReadOnly, pick(it, "email_id", "subject", "sender", "category", "priority"))
		}
	}

	for _, it := range h.reportItems(responsePlanFile, "items") {
		resp.Drafts = append(resp.Drafts, pick(it, "email_id", "subject", "recipient", "response_summary", "draft_saved"))
	}

	writeJSON(w, http.StatusOK, resp)
}

// reportItems loads the first non-empty list found under keys in a JSON
// object file. A list nested as {"items": [...]} is unwrapped once. Non-object
// list entries are skipped.
func (h *OutputHandler) reportItems(name string, keys ...string) []map[string]any {
	path := filepath.Join(h.dir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() > maxOutputFileBytes {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}

	var raw any
	for _, k := range keys {
		if v, ok := doc[k]; ok && truthy(v) {
			raw = v
			break
		}
	}
	if nested, ok := raw.(map[string]any); ok {
		raw = nested["items"]
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}

	items := make([]map[string]any, 0, len(list))
	for _, v := range list {
		if m, ok := v.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func pick(item map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k] = item[k]
	}
	return out
}

func stringField(item map[string]any, key string) string {
	s, _ := item[key].(string)
	return s
}
