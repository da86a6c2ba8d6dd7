package diff

import (
	"testing"

	"modelwatch/internal/catalog"
)

func strPtr(s string) *string { return &s }

func int64Ptr(n int64) *int64 { return &n }

func testModel(id string) catalog.Model {
	return catalog.Model{
		ID:            id,
		Name:          "Test: " + id,
		Description:   "A test model.",
		ContextLength: 8192,
		Pricing: &catalog.Pricing{
			Prompt:     "0.000001",
			Completion: "0.000002",
			Request:    "0",
			Image:      "0",
		},
		Architecture: &catalog.Architecture{
			Modality:     "text->text",
			Tokenizer:    "GPT",
			InstructType: nil,
		},
		TopProvider: &catalog.TopProvider{
			MaxCompletionTokens: int64Ptr(4096),
			IsModerated:         false,
		},
	}
}

func TestCompute_IdenticalSnapshots(t *testing.T) {
	models := []catalog.Model{testModel("a/one"), testModel("b/two"), testModel("c/three")}
	// A reordered copy must also compare equal: matching is by ID.
	reordered := []catalog.Model{models[2], models[0], models[1]}

	if got := Compute(models, models); len(got) != 0 {
		t.Errorf("Compute(A, A) = %d events, want 0", len(got))
	}
	if got := Compute(reordered, models); len(got) != 0 {
		t.Errorf("Compute(reordered, A) = %d events, want 0", len(got))
	}
}

func TestCompute_AddedAndRemoved(t *testing.T) {
	previous := []catalog.Model{testModel("a/one"), testModel("b/two")}
	current := []catalog.Model{testModel("a/one"), testModel("c/three")}

	changes := Compute(current, previous)
	if len(changes) != 2 {
		t.Fatalf("events = %d, want 2", len(changes))
	}

	byID := map[string]catalog.Change{}
	for _, c := range changes {
		byID[c.ID] = c
	}

	added, ok := byID["c/three"]
	if !ok || added.Type != catalog.ChangeAdded {
		t.Errorf("c/three = %+v, want added event", added)
	}
	if added.Model == nil || added.Model.ID != "c/three" {
		t.Error("added event should carry the full record")
	}

	removed, ok := byID["b/two"]
	if !ok || removed.Type != catalog.ChangeRemoved {
		t.Errorf("b/two = %+v, want removed event", removed)
	}
	if removed.Model == nil || removed.Model.Name != "Test: b/two" {
		t.Error("removed event should carry the last known record")
	}
}

func TestCompute_ChangedFields(t *testing.T) {
	previous := []catalog.Model{testModel("a/one"), testModel("b/two")}

	updated := testModel("a/one")
	updated.Name = "Test: a/one v2"
	updated.Architecture.InstructType = strPtr("chatml")
	updated.TopProvider.IsModerated = true
	current := []catalog.Model{updated, testModel("b/two")}

	changes := Compute(current, previous)
	if len(changes) != 1 {
		t.Fatalf("events = %d, want 1", len(changes))
	}

	ev := changes[0]
	if ev.ID != "a/one" || ev.Type != catalog.ChangeChanged {
		t.Fatalf("event = %+v, want changed event for a/one", ev)
	}
	if len(ev.Changes) != 3 {
		t.Fatalf("changed fields = %d (%v), want 3", len(ev.Changes), ev.Changes)
	}

	name, ok := ev.Changes["name"]
	if !ok {
		t.Fatal("missing name change")
	}
	if name.Old != "Test: a/one" || name.New != "Test: a/one v2" {
		t.Errorf("name change = %+v", name)
	}

	if _, ok := ev.Changes["architecture.instruct_type"]; !ok {
		t.Error("missing architecture.instruct_type change")
	}
	mod, ok := ev.Changes["top_provider.is_moderated"]
	if !ok {
		t.Fatal("missing top_provider.is_moderated change")
	}
	if mod.Old != false || mod.New != true {
		t.Errorf("is_moderated change = %+v", mod)
	}
}

func TestCompute_PricingFields(t *testing.T) {
	previous := []catalog.Model{testModel("a/one")}
	updated := testModel("a/one")
	updated.Pricing.Prompt = "0.000005"
	updated.Pricing.Image = "0.001"

	changes := Compute([]catalog.Model{updated}, previous)
	if len(changes) != 1 {
		t.Fatalf("events = %d, want 1", len(changes))
	}
	ev := changes[0]
	if _, ok := ev.Changes["pricing.prompt"]; !ok {
		t.Error("missing pricing.prompt change")
	}
	if _, ok := ev.Changes["pricing.image"]; !ok {
		t.Error("missing pricing.image change")
	}
	if len(ev.Changes) != 2 {
		t.Errorf("changed fields = %v, want exactly pricing.prompt and pricing.image", ev.Changes)
	}
}

func TestCompute_NilSubRecord(t *testing.T) {
	previous := []catalog.Model{testModel("a/one")}
	updated := testModel("a/one")
	updated.TopProvider = nil

	changes := Compute([]catalog.Model{updated}, previous)
	if len(changes) != 1 {
		t.Fatalf("events = %d, want 1", len(changes))
	}
	ev := changes[0]
	if len(ev.Changes) != 1 {
		t.Fatalf("changed fields = %v, want single whole-field change", ev.Changes)
	}
	fc, ok := ev.Changes["top_provider"]
	if !ok {
		t.Fatal("missing top_provider whole-field change")
	}
	if fc.New != (*catalog.TopProvider)(nil) {
		t.Errorf("New = %+v, want nil sub-record", fc.New)
	}
}

func TestCompute_PerRequestLimits(t *testing.T) {
	previous := []catalog.Model{testModel("a/one")}

	updated := testModel("a/one")
	updated.PerRequestLimits = map[string]any{"prompt_tokens": "1000", "completion_tokens": "500"}

	changes := Compute([]catalog.Model{updated}, previous)
	if len(changes) != 1 {
		t.Fatalf("events = %d, want 1", len(changes))
	}
	if _, ok := changes[0].Changes["per_request_limits"]; !ok {
		t.Error("missing per_request_limits change")
	}

	// Same content must compare equal regardless of map construction order.
	a := testModel("a/one")
	a.PerRequestLimits = map[string]any{"x": "1", "y": "2"}
	b := testModel("a/one")
	b.PerRequestLimits = map[string]any{"y": "2", "x": "1"}
	if got := Compute([]catalog.Model{a}, []catalog.Model{b}); len(got) != 0 {
		t.Errorf("equal limit maps produced %d events, want 0", len(got))
	}
}

func TestCompute_EmptyPrevious(t *testing.T) {
	current := []catalog.Model{testModel("a/one"), testModel("b/two")}

	changes := Compute(current, nil)
	if len(changes) != 2 {
		t.Fatalf("events = %d, want 2", len(changes))
	}
	for _, c := range changes {
		if c.Type != catalog.ChangeAdded {
			t.Errorf("event %s type = %s, want added", c.ID, c.Type)
		}
	}
}
