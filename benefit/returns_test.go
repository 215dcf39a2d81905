package benefit

import (
	"testing"
	"time"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func returnedApp(data map[string]any, attachments []Attachment) *Application {
	app := &Application{
		ID:          "app-1",
		Status:      StatusReturned,
		Data:        data,
		Attachments: attachments,
	}
	snap, err := SnapshotForReturn(app, Actor{ID: "admin-1", Role: RoleAdmin}, "fix it", time.Now())
	if err != nil {
		panic(err)
	}
	app.ReturnHistory = []ReturnEntry{*snap}
	return app
}

// =============================================================================
// SNAPSHOT IMMUTABILITY
// =============================================================================

func TestSnapshotForReturn_DeepCopiesData(t *testing.T) {
	// GIVEN: A snapshot taken from live data
	// WHEN: The live data is mutated afterwards, including nested values
	// THEN: The snapshot still holds the original content

	app := &Application{
		ID:     "app-1",
		Status: StatusPending,
		Data: map[string]any{
			"name":       "Tanaka",
			"dependents": []any{map[string]any{"name": "Hanako"}},
		},
		Attachments: []Attachment{{FileName: "form.pdf", FileURL: "https://files/f1"}},
	}

	snap, err := SnapshotForReturn(app, Actor{ID: "admin-1", Role: RoleAdmin}, "reason", time.Now())
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	app.Data["name"] = "Suzuki"
	app.Data["dependents"].([]any)[0].(map[string]any)["name"] = "Taro"
	app.Attachments[0].FileURL = "https://files/other"

	if snap.DataSnapshot["name"] != "Tanaka" {
		t.Errorf("snapshot name mutated: got %v", snap.DataSnapshot["name"])
	}
	nested := snap.DataSnapshot["dependents"].([]any)[0].(map[string]any)
	if nested["name"] != "Hanako" {
		t.Errorf("nested snapshot value mutated: got %v", nested["name"])
	}
	if snap.AttachmentsSnapshot[0].FileURL != "https://files/f1" {
		t.Errorf("attachment snapshot mutated: got %v", snap.AttachmentsSnapshot[0].FileURL)
	}
}

func TestSnapshotForReturn_NonSerializableData(t *testing.T) {
	app := &Application{
		ID:     "app-1",
		Status: StatusPending,
		Data:   map[string]any{"bad": make(chan int)},
	}
	if _, err := SnapshotForReturn(app, Actor{ID: "a"}, "", time.Now()); err == nil {
		t.Fatal("expected error for non-serializable data")
	}
}

// =============================================================================
// CHANGE DETECTION
// =============================================================================

func TestHasChanges_UntouchedContent_False(t *testing.T) {
	app := returnedApp(map[string]any{"name": "Tanaka"}, nil)

	if HasChanges(app) {
		t.Error("untouched content must not count as changed")
	}
}

func TestHasChanges_EditedData_True(t *testing.T) {
	app := returnedApp(map[string]any{"name": "Tanaka"}, nil)
	app.Data = map[string]any{"name": "Suzuki"}

	if !HasChanges(app) {
		t.Error("edited data must count as changed")
	}
}

func TestHasChanges_RevertedEdit_FalseAgain(t *testing.T) {
	// Determinism: reverting to structurally identical content yields
	// false again, no matter how many times it is evaluated.
	app := returnedApp(map[string]any{"name": "Tanaka", "grade": 12}, nil)

	app.Data = map[string]any{"name": "Suzuki", "grade": 12}
	if !HasChanges(app) {
		t.Fatal("edit not detected")
	}

	app.Data = map[string]any{"grade": 12, "name": "Tanaka"}
	for i := 0; i < 3; i++ {
		if HasChanges(app) {
			t.Fatal("reverted content must compare equal, key order aside")
		}
	}
}

func TestHasChanges_AttachmentURLChange_True(t *testing.T) {
	// Same file name, replaced upload. Counts as a change independent
	// of the data comparison.
	app := returnedApp(map[string]any{"name": "Tanaka"},
		[]Attachment{{FileName: "form.pdf", FileURL: "https://files/v1"}})

	app.Attachments = []Attachment{{FileName: "form.pdf", FileURL: "https://files/v2"}}
	if !HasChanges(app) {
		t.Error("replaced attachment must count as changed")
	}
}

func TestHasChanges_AttachmentOrder_Irrelevant(t *testing.T) {
	app := returnedApp(nil, []Attachment{
		{FileName: "a.pdf", FileURL: "u-a"},
		{FileName: "b.pdf", FileURL: "u-b"},
	})

	app.Attachments = []Attachment{
		{FileName: "b.pdf", FileURL: "u-b"},
		{FileName: "a.pdf", FileURL: "u-a"},
	}
	if HasChanges(app) {
		t.Error("attachment order must not count as a change")
	}
}

func TestHasChanges_NotReturned_AlwaysFalse(t *testing.T) {
	app := &Application{ID: "app-1", Status: StatusPending, Data: map[string]any{"x": 1}}
	if HasChanges(app) {
		t.Error("non-returned applications never report changes")
	}
}

func TestHasChanges_NilVersusEmptyData_Equal(t *testing.T) {
	app := returnedApp(map[string]any{}, nil)
	app.Data = nil
	if HasChanges(app) {
		t.Error("nil data and empty data must compare equal")
	}
}

// =============================================================================
// STRUCTURAL COMPARISON
// =============================================================================

func TestStructuralEqual_MixedNumericOrigins(t *testing.T) {
	// One side built in memory (int), one side decoded from a snapshot
	// (float64). Must compare equal through canonicalization.
	live := map[string]any{"grade": 12}
	decoded, err := CloneData(live)
	if err != nil {
		t.Fatal(err)
	}
	if !StructuralEqual(anyMap(live), anyMap(decoded)) {
		t.Error("int and decoded float64 of the same value must compare equal")
	}
}

func TestStructuralEqual_NestedArrays_Ordered(t *testing.T) {
	a := map[string]any{"deps": []any{"Hanako", "Taro"}}
	b := map[string]any{"deps": []any{"Taro", "Hanako"}}
	if StructuralEqual(a, b) {
		t.Error("array order is significant")
	}
}
