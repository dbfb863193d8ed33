package commands

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/mhpenta/ingestq/categorize"
)

// RulesListAction prints every rule with its compile warnings.
var RulesListAction = withApp(func(ctx context.Context, cmd *cli.Command, app *AppContext) error {
	defs, err := app.Backend.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}
	if len(defs) == 0 {
		fmt.Println("no rules")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Priority", "Active", "Category", "Conditions", "Warnings")
	for _, d := range defs {
		_, warnings := categorize.Compile(d)
		var w []string
		for _, warning := range warnings {
			w = append(w, warning.Key+": "+warning.Message)
		}
		table.Append(
			d.ID,
			d.Name,
			fmt.Sprintf("%d", d.Priority),
			fmt.Sprintf("%t", d.Active),
			d.CategoryID,
			formatConditions(d.Conditions),
			strings.Join(w, "; "),
		)
	}
	table.Render()
	return nil
})

// RulesAddAction saves a rule from key=value --condition flags.
var RulesAddAction = withApp(func(ctx context.Context, cmd *cli.Command, app *AppContext) error {
	conditions := make(map[string]any)
	for _, c := range cmd.StringSlice("condition") {
		key, value, ok := strings.Cut(c, "=")
		if !ok {
			return fmt.Errorf("condition %q must be key=value", c)
		}
		conditions[strings.TrimSpace(key)] = value
	}

	def := categorize.RuleDefinition{
		ID:         cmd.String("id"),
		Name:       cmd.String("name"),
		Priority:   cmd.Int("priority"),
		Active:     !cmd.Bool("inactive"),
		CategoryID: cmd.String("category"),
		Conditions: conditions,
	}
	if _, warnings := categorize.Compile(def); len(warnings) > 0 && !cmd.Bool("force") {
		for _, w := range warnings {
			fmt.Fprintln(os.Stderr, w.String())
		}
		return fmt.Errorf("rule would never match; pass --force to save it anyway")
	}

	saved, err := app.Backend.SaveRule(ctx, def)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	fmt.Printf("rule %s saved\n", saved.ID)
	return nil
})

// RulesDeleteAction removes a rule by id.
var RulesDeleteAction = withApp(func(ctx context.Context, cmd *cli.Command, app *AppContext) error {
	id := cmd.String("id")
	if err := app.Backend.DeleteRule(ctx, id); err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	fmt.Printf("rule %s deleted\n", id)
	return nil
})

func formatConditions(conditions map[string]any) string {
	keys := make([]string, 0, len(conditions))
	for k := range conditions {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, conditions[k]))
	}
	return strings.Join(parts, ", ")
}
