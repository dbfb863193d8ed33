// Package categorize classifies ingested videos against operator-defined
// rules. Stored rules keep their conditions as a key/value map; Compile turns
// them into a closed set of condition variants before evaluation.
package categorize

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Condition keys accepted in a stored rule.
const (
	KeyChannelID           = "channel_id"
	KeyTitleContains       = "title_contains"
	KeyDescriptionContains = "description_contains"
	KeyTitleRegex          = "title_regex"

	// KeyOperator is descriptive metadata and never checked as a condition.
	KeyOperator = "operator"
)

// Item is the view of an ingested video that rules are evaluated against.
type Item struct {
	ChannelID   string
	Title       string
	Description string
}

// RuleDefinition is a rule as persisted and edited by operators.
type RuleDefinition struct {
	ID         string
	Name       string
	Priority   int
	Active     bool
	CategoryID string
	Conditions map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Condition is one predicate of a compiled rule. The set of implementations
// is closed to this package.
type Condition interface {
	Match(item Item) bool
	Key() string
	condition()
}

// ChannelIs matches the item's channel identifier exactly, ignoring case.
type ChannelIs struct{ ChannelID string }

func (c ChannelIs) Match(item Item) bool { return strings.EqualFold(item.ChannelID, c.ChannelID) }
func (ChannelIs) Key() string            { return KeyChannelID }
func (ChannelIs) condition()             {}

// TitleContains matches a case-insensitive substring of the title.
type TitleContains struct{ Substr string }

func (c TitleContains) Match(item Item) bool { return containsFold(item.Title, c.Substr) }
func (TitleContains) Key() string            { return KeyTitleContains }
func (TitleContains) condition()             {}

// DescriptionContains matches a case-insensitive substring of the
// description. An absent description never matches.
type DescriptionContains struct{ Substr string }

func (c DescriptionContains) Match(item Item) bool {
	if item.Description == "" {
		return false
	}
	return containsFold(item.Description, c.Substr)
}
func (DescriptionContains) Key() string { return KeyDescriptionContains }
func (DescriptionContains) condition()  {}

// TitleMatches tests the title against a case-insensitive pattern.
type TitleMatches struct{ Pattern *regexp.Regexp }

func (c TitleMatches) Match(item Item) bool { return c.Pattern.MatchString(item.Title) }
func (TitleMatches) Key() string            { return KeyTitleRegex }
func (TitleMatches) condition()             {}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Warning describes a rule that cannot be evaluated as written. The rule
// fails closed and evaluation moves on to the next one.
type Warning struct {
	RuleID  string
	Key     string
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("rule %s: %s: %s", w.RuleID, w.Key, w.Message)
}

// Rule is a compiled, ready-to-evaluate rule.
type Rule struct {
	ID         string
	Priority   int
	Active     bool
	CategoryID string
	Conditions []Condition

	// Invalid rules never match. Warnings explains why.
	Invalid  bool
	Warnings []Warning
}

// Matches reports whether every condition holds for item.
func (r Rule) Matches(item Item) bool {
	if r.Invalid || len(r.Conditions) == 0 {
		return false
	}
	for _, c := range r.Conditions {
		if !c.Match(item) {
			return false
		}
	}
	return true
}

// Compile converts a stored rule into condition variants. Any unknown key,
// non-string or empty value, or invalid pattern marks the rule invalid.
func Compile(def RuleDefinition) (Rule, []Warning) {
	rule := Rule{
		ID:         def.ID,
		Priority:   def.Priority,
		Active:     def.Active,
		CategoryID: def.CategoryID,
	}

	warn := func(key, msg string) {
		rule.Invalid = true
		rule.Warnings = append(rule.Warnings, Warning{RuleID: def.ID, Key: key, Message: msg})
	}

	keys := make([]string, 0, len(def.Conditions))
	for k := range def.Conditions {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		if key == KeyOperator {
			continue
		}
		raw := def.Conditions[key]
		value, ok := raw.(string)
		if !ok {
			warn(key, fmt.Sprintf("value must be a string, got %T", raw))
			continue
		}
		if value == "" {
			warn(key, "value must not be empty")
			continue
		}

		switch key {
		case KeyChannelID:
			rule.Conditions = append(rule.Conditions, ChannelIs{ChannelID: value})
		case KeyTitleContains:
			rule.Conditions = append(rule.Conditions, TitleContains{Substr: value})
		case KeyDescriptionContains:
			rule.Conditions = append(rule.Conditions, DescriptionContains{Substr: value})
		case KeyTitleRegex:
			re, err := regexp.Compile("(?i)" + value)
			if err != nil {
				warn(key, "invalid pattern: "+err.Error())
				continue
			}
			rule.Conditions = append(rule.Conditions, TitleMatches{Pattern: re})
		default:
			warn(key, "unknown condition")
		}
	}

	if len(rule.Conditions) == 0 && !rule.Invalid {
		warn("conditions", "rule has no conditions")
	}
	if def.CategoryID == "" {
		warn("category_id", "must not be empty")
	}

	return rule, rule.Warnings
}

// CompileAll compiles defs in order and collects every warning.
func CompileAll(defs []RuleDefinition) ([]Rule, []Warning) {
	rules := make([]Rule, 0, len(defs))
	var warnings []Warning
	for _, def := range defs {
		r, w := Compile(def)
		rules = append(rules, r)
		warnings = append(warnings, w...)
	}
	return rules, warnings
}

// SortRules returns the active definitions ordered by priority, then ID.
func SortRules(defs []RuleDefinition) []RuleDefinition {
	out := make([]RuleDefinition, 0, len(defs))
	for _, d := range defs {
		if d.Active {
			out = append(out, d)
		}
	}
	slices.SortStableFunc(out, func(a, b RuleDefinition) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
