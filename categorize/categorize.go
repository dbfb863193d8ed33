package categorize

// Result is the outcome of evaluating an item against a rule set.
type Result struct {
	// CategoryID is empty when no rule matched.
	CategoryID string
	RuleID     string
	Matched    bool

	// Warnings lists invalid rules that were skipped before the match.
	Warnings []Warning
}

// Categorize evaluates rules in the given order and returns the category of
// the first rule whose conditions all hold. Rules are expected to be active
// and sorted ascending by priority (see SortRules); inactive rules are
// skipped. It has no side effects.
func Categorize(item Item, rules []Rule) Result {
	var res Result
	for _, r := range rules {
		if !r.Active {
			continue
		}
		if r.Invalid {
			res.Warnings = append(res.Warnings, r.Warnings...)
			continue
		}
		if r.Matches(item) {
			res.CategoryID = r.CategoryID
			res.RuleID = r.ID
			res.Matched = true
			return res
		}
	}
	return res
}
