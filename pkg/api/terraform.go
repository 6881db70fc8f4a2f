package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/fourclicks/deployd/pkg/engine"
	"github.com/fourclicks/deployd/pkg/progress"
	"github.com/fourclicks/deployd/pkg/terraform"
)

type terraformRequest struct {
	Variables map[string]any `json:"variables,omitempty"`
	VarFile   string         `json:"var_file,omitempty"`
}

func (s *Server) handleTerraformInit(w http.ResponseWriter, r *http.Request) {
	s.runTerraform(w, r, terraform.Request{
		Operation: terraform.OperationInit,
		Project:   r.PathValue("project"),
	})
}

// handleTerraform runs plan, apply or destroy. Variables come from the body,
// a var-file named in the body, or the database when from_db is set. from_db
// defaults to true when the body carries no variables.
func (s *Server) handleTerraform(w http.ResponseWriter, r *http.Request) {
	op := terraform.Operation(r.PathValue("operation"))
	if op == terraform.OperationInit || op.Validate() != nil {
		s.writeError(w, http.StatusNotFound, engine.ErrCodeNotFound, fmt.Errorf("unknown terraform operation %q", op))
		return
	}

	var body terraformRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, fmt.Errorf("invalid request body: %w", err))
		return
	}

	fromDB := len(body.Variables) == 0 && body.VarFile == ""
	if raw := r.URL.Query().Get("from_db"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, fmt.Errorf("invalid from_db: %w", err))
			return
		}
		fromDB = v
	}

	s.runTerraform(w, r, terraform.Request{
		Operation: op,
		Project:   r.PathValue("project"),
		Workspace: r.PathValue("workspace"),
		Variables: body.Variables,
		VarFile:   body.VarFile,
		FromStore: fromDB,
	})
}

func (s *Server) runTerraform(w http.ResponseWriter, r *http.Request, req terraform.Request) {
	lines, err := s.cfg.Terraform.Run(r.Context(), req)
	if err != nil {
		status, code := terraformStatus(err)
		s.writeError(w, status, code, err)
		return
	}

	progress.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	enc := progress.NewEncoder(w)
	logger := s.logger.WithFields(map[string]interface{}{
		"operation": string(req.Operation),
		"project":   req.Project,
		"workspace": req.Workspace,
	})

	send := func(ev progress.Event) bool {
		if err := enc.Encode(ev); err != nil {
			logger.WithError(err).Warn("terraform stream interrupted")
			return false
		}
		return true
	}

	for ev := range terraform.Events(req, lines, s.cfg.Terraform.Classifier()) {
		if !send(ev) {
			return
		}
	}
}

// terraformStatus maps a precondition error to an HTTP status and code.
func terraformStatus(err error) (int, string) {
	switch {
	case errors.Is(err, terraform.ErrMissingVariables), errors.Is(err, terraform.ErrProjectNotFound):
		return http.StatusNotFound, engine.ErrCodeNotFound
	case errors.Is(err, terraform.ErrConflictingVariableSources),
		errors.Is(err, terraform.ErrWorkspaceRequired),
		errors.Is(err, terraform.ErrInvalidOperation):
		return http.StatusBadRequest, engine.ErrCodeValidation
	default:
		return http.StatusInternalServerError, engine.ErrCodeInternal
	}
}
