package turso_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mhpenta/ingestq/categorize"
)

func TestRuleCRUD(t *testing.T) {
	store, _ := testSetup(t)
	ctx := context.Background()

	saved, err := store.SaveRule(ctx, categorize.RuleDefinition{
		Name:       "chess",
		Priority:   1,
		Active:     true,
		CategoryID: "chess",
		Conditions: map[string]any{"title_contains": "chess", "channel_id": "UC1"},
	})
	if err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("SaveRule did not assign an ID")
	}
	if saved.Conditions["title_contains"] != "chess" || saved.Conditions["channel_id"] != "UC1" {
		t.Errorf("Conditions = %v, want round trip", saved.Conditions)
	}

	if _, err := store.SaveRule(ctx, categorize.RuleDefinition{
		ID:         "inactive",
		Priority:   0,
		Active:     false,
		CategoryID: "misc",
		Conditions: map[string]any{"title_contains": "x"},
	}); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}

	active, err := store.ListActiveRules(ctx)
	if err != nil {
		t.Fatalf("ListActiveRules failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != saved.ID {
		t.Errorf("active = %+v, want only %s", active, saved.ID)
	}
	all, err := store.ListRules(ctx)
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len(all) = %d, want 2", len(all))
	}

	saved.CategoryID = "board-games"
	updated, err := store.SaveRule(ctx, saved)
	if err != nil {
		t.Fatalf("SaveRule (update) failed: %v", err)
	}
	if updated.CategoryID != "board-games" {
		t.Errorf("CategoryID = %q, want board-games", updated.CategoryID)
	}

	if err := store.DeleteRule(ctx, saved.ID); err != nil {
		t.Fatalf("DeleteRule failed: %v", err)
	}
	if _, err := store.GetRule(ctx, saved.ID); !errors.Is(err, categorize.ErrRuleNotFound) {
		t.Errorf("GetRule after delete: err = %v, want ErrRuleNotFound", err)
	}
	if err := store.DeleteRule(ctx, saved.ID); !errors.Is(err, categorize.ErrRuleNotFound) {
		t.Errorf("second DeleteRule: err = %v, want ErrRuleNotFound", err)
	}
}

func TestEngineOverStore(t *testing.T) {
	store, _ := testSetup(t)
	ctx := context.Background()

	for _, def := range []categorize.RuleDefinition{
		{ID: "r1", Priority: 1, Active: true, CategoryID: "broken", Conditions: map[string]any{"title_regex": "[unclosed"}},
		{ID: "r2", Priority: 2, Active: true, CategoryID: "chess", Conditions: map[string]any{"title_contains": "chess"}},
	} {
		if _, err := store.SaveRule(ctx, def); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}
	}

	res, err := categorize.NewEngine(store).Categorize(ctx, categorize.Item{Title: "Chess Tips"})
	if err != nil {
		t.Fatalf("Categorize failed: %v", err)
	}
	if res.CategoryID != "chess" || res.RuleID != "r2" {
		t.Errorf("result = %+v, want chess via r2", res)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a warning for the invalid regex")
	}
}
