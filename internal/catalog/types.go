// Package catalog defines the model records published by the upstream
// catalog API and the change events produced when two snapshots of the
// catalog differ.
package catalog

import "time"

// Pricing holds the price fields of a model. The upstream API publishes
// prices as decimal strings and they are compared and stored verbatim.
type Pricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
	Request    string `json:"request"`
	Image      string `json:"image"`
}

// Architecture describes the model family and tokenizer details.
type Architecture struct {
	Modality     string  `json:"modality"`
	Tokenizer    string  `json:"tokenizer"`
	InstructType *string `json:"instruct_type"`
}

// TopProvider describes the serving limits of the primary provider.
type TopProvider struct {
	MaxCompletionTokens *int64 `json:"max_completion_tokens"`
	IsModerated         bool   `json:"is_moderated"`
}

// Model is a single catalog record. Sub-records are pointers because the
// upstream API publishes them as nullable objects.
type Model struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	Pricing          *Pricing       `json:"pricing"`
	ContextLength    int64          `json:"context_length"`
	Architecture     *Architecture  `json:"architecture"`
	TopProvider      *TopProvider   `json:"top_provider"`
	PerRequestLimits map[string]any `json:"per_request_limits"`
}

// ChangeType classifies a change event.
type ChangeType string

const (
	ChangeAdded   ChangeType = "added"
	ChangeRemoved ChangeType = "removed"
	ChangeChanged ChangeType = "changed"
)

// FieldChange records one field transition inside a changed event.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Change is one change event. Added and removed events carry the full
// record; changed events carry the per-field transitions keyed by dotted
// field path (for example "architecture.instruct_type").
type Change struct {
	ID        string                 `json:"id"`
	Type      ChangeType             `json:"type"`
	Model     *Model                 `json:"model,omitempty"`
	Changes   map[string]FieldChange `json:"changes,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
