package adminapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mhpenta/ingestq/categorize"
)

type ruleView struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Priority   int            `json:"priority"`
	Active     bool           `json:"active"`
	CategoryID string         `json:"category_id"`
	Conditions map[string]any `json:"conditions"`
	// Warnings lists why the rule cannot match as written.
	Warnings  []string  `json:"warnings,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newRuleView(def categorize.RuleDefinition) ruleView {
	v := ruleView{
		ID:         def.ID,
		Name:       def.Name,
		Priority:   def.Priority,
		Active:     def.Active,
		CategoryID: def.CategoryID,
		Conditions: def.Conditions,
		CreatedAt:  def.CreatedAt,
		UpdatedAt:  def.UpdatedAt,
	}
	_, warnings := categorize.Compile(def)
	for _, w := range warnings {
		v.Warnings = append(v.Warnings, w.String())
	}
	return v
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	defs, err := s.rules.ListRules(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]ruleView, 0, len(defs))
	for _, d := range defs {
		out = append(out, newRuleView(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	def, err := s.rules.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRuleView(def))
}

type saveRuleRequest struct {
	Name       string         `json:"name" validate:"required"`
	Priority   int            `json:"priority"`
	Active     *bool          `json:"active,omitempty"`
	CategoryID string         `json:"category_id" validate:"required"`
	Conditions map[string]any `json:"conditions" validate:"required,min=1"`
}

// saveRule stores rules even when they do not compile; the response carries
// the warnings and the engine skips the rule until it is fixed.
func (s *Server) saveRule(w http.ResponseWriter, r *http.Request) {
	var req saveRuleRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	saved, err := s.rules.SaveRule(r.Context(), categorize.RuleDefinition{
		ID:         chi.URLParam(r, "id"),
		Name:       req.Name,
		Priority:   req.Priority,
		Active:     active,
		CategoryID: req.CategoryID,
		Conditions: req.Conditions,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	view := newRuleView(saved)
	if len(view.Warnings) > 0 {
		s.logger.Warn("saved rule cannot match", "rule_id", saved.ID, "warnings", view.Warnings)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
