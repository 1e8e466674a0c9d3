package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/microscope-core/internal/registry"
)

// dependencyRequest is the body of POST /dependencies, for example
// {"expr": "camera.exposure <= light.pulse_width"}.
type dependencyRequest struct {
	Expr string `json:"expr"`
}

// handleListDependencies returns the declared cross-device constraints.
func (s *Server) handleListDependencies(w http.ResponseWriter, _ *http.Request) {
	deps := s.registry.Dependencies()
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		out = append(out, d.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"dependencies": out, "count": len(out)})
}

// handleAddDependency declares a new constraint. It applies to every later
// setting change.
func (s *Server) handleAddDependency(w http.ResponseWriter, r *http.Request) {
	var req dependencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	dep, err := registry.ParseDependency(req.Expr)
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	if err := s.registry.AddDependency(dep); err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	s.logger.Info("dependency added", "dependency", dep.String())
	writeJSON(w, http.StatusCreated, map[string]any{"dependency": dep.String()})
}
