// Package diff computes change events between two snapshots of the model
// catalog. The comparison walks a static field list so that every reported
// path is a stable, documented name.
package diff

import (
	"encoding/json"

	"modelwatch/internal/catalog"
)

// Compute compares the current model list against the previous snapshot
// and returns one event per added, removed, or changed model. Models are
// matched by identifier; ordering inside either list carries no meaning.
// Events are emitted in input order (current list first, then removals in
// previous-list order) and carry no timestamp; the caller stamps the
// detection time.
func Compute(current, previous []catalog.Model) []catalog.Change {
	prev := indexByID(previous)
	cur := indexByID(current)

	changes := make([]catalog.Change, 0)

	for _, m := range current {
		before, ok := prev[m.ID]
		if !ok {
			model := m
			changes = append(changes, catalog.Change{
				ID:    m.ID,
				Type:  catalog.ChangeAdded,
				Model: &model,
			})
			continue
		}
		if fields := compareModels(before, m); len(fields) > 0 {
			changes = append(changes, catalog.Change{
				ID:      m.ID,
				Type:    catalog.ChangeChanged,
				Changes: fields,
			})
		}
	}

	for _, m := range previous {
		if _, ok := cur[m.ID]; !ok {
			model := m
			changes = append(changes, catalog.Change{
				ID:    m.ID,
				Type:  catalog.ChangeRemoved,
				Model: &model,
			})
		}
	}

	return changes
}

func indexByID(models []catalog.Model) map[string]catalog.Model {
	idx := make(map[string]catalog.Model, len(models))
	for _, m := range models {
		idx[m.ID] = m
	}
	return idx
}

// compareModels returns the per-field transitions between two versions of
// the same model, keyed by dotted field path. An empty map means the two
// versions are identical.
func compareModels(before, after catalog.Model) map[string]catalog.FieldChange {
	fields := make(map[string]catalog.FieldChange)

	if before.Name != after.Name {
		fields["name"] = catalog.FieldChange{Old: before.Name, New: after.Name}
	}
	if before.Description != after.Description {
		fields["description"] = catalog.FieldChange{Old: before.Description, New: after.Description}
	}
	if before.ContextLength != after.ContextLength {
		fields["context_length"] = catalog.FieldChange{Old: before.ContextLength, New: after.ContextLength}
	}

	comparePricing(fields, before.Pricing, after.Pricing)
	compareArchitecture(fields, before.Architecture, after.Architecture)
	compareTopProvider(fields, before.TopProvider, after.TopProvider)

	// Arbitrary upstream structure, compared as one canonical JSON value.
	if !equalJSON(before.PerRequestLimits, after.PerRequestLimits) {
		fields["per_request_limits"] = catalog.FieldChange{Old: before.PerRequestLimits, New: after.PerRequestLimits}
	}

	return fields
}

// Sub-records that flip between null and populated are reported as one
// whole-field change rather than a change per subfield.

func comparePricing(fields map[string]catalog.FieldChange, before, after *catalog.Pricing) {
	if before == nil && after == nil {
		return
	}
	if before == nil || after == nil {
		fields["pricing"] = catalog.FieldChange{Old: before, New: after}
		return
	}
	if before.Prompt != after.Prompt {
		fields["pricing.prompt"] = catalog.FieldChange{Old: before.Prompt, New: after.Prompt}
	}
	if before.Completion != after.Completion {
		fields["pricing.completion"] = catalog.FieldChange{Old: before.Completion, New: after.Completion}
	}
	if before.Request != after.Request {
		fields["pricing.request"] = catalog.FieldChange{Old: before.Request, New: after.Request}
	}
	if before.Image != after.Image {
		fields["pricing.image"] = catalog.FieldChange{Old: before.Image, New: after.Image}
	}
}

func compareArchitecture(fields map[string]catalog.FieldChange, before, after *catalog.Architecture) {
	if before == nil && after == nil {
		return
	}
	if before == nil || after == nil {
		fields["architecture"] = catalog.FieldChange{Old: before, New: after}
		return
	}
	if before.Modality != after.Modality {
		fields["architecture.modality"] = catalog.FieldChange{Old: before.Modality, New: after.Modality}
	}
	if before.Tokenizer != after.Tokenizer {
		fields["architecture.tokenizer"] = catalog.FieldChange{Old: before.Tokenizer, New: after.Tokenizer}
	}
	if !ptrEqual(before.InstructType, after.InstructType) {
		fields["architecture.instruct_type"] = catalog.FieldChange{Old: before.InstructType, New: after.InstructType}
	}
}

func compareTopProvider(fields map[string]catalog.FieldChange, before, after *catalog.TopProvider) {
	if before == nil && after == nil {
		return
	}
	if before == nil || after == nil {
		fields["top_provider"] = catalog.FieldChange{Old: before, New: after}
		return
	}
	if !ptrEqual(before.MaxCompletionTokens, after.MaxCompletionTokens) {
		fields["top_provider.max_completion_tokens"] = catalog.FieldChange{Old: before.MaxCompletionTokens, New: after.MaxCompletionTokens}
	}
	if before.IsModerated != after.IsModerated {
		fields["top_provider.is_moderated"] = catalog.FieldChange{Old: before.IsModerated, New: after.IsModerated}
	}
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// equalJSON compares two values by their canonical JSON serialization.
// encoding/json sorts map keys, so key order never produces a spurious
// difference.
func equalJSON(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ja) == string(jb)
}
