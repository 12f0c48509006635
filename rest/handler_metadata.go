package rest

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/approvy/model"
)

func (s *Server) HandlePublishTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl model.WorkflowTemplate
	if err := decode(r, &tmpl); err != nil {
		respondWithError(w, err)
		return
	}
	published, err := s.metadataService.Publish(r.Context(), tmpl)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, published)
}

func (s *Server) HandleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.metadataService.List(r.Context())
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondOK(w, templates)
}

func (s *Server) HandleGetTemplate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var (
		tmpl *model.WorkflowTemplate
		err  error
	)
	if v, ok := vars["version"]; ok {
		version, _ := strconv.Atoi(v)
		tmpl, err = s.metadataService.Get(r.Context(), vars["id"], version)
	} else {
		tmpl, err = s.metadataService.Latest(r.Context(), vars["id"])
	}
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondOK(w, tmpl)
}

func (s *Server) HandleValidateTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl model.WorkflowTemplate
	if err := decode(r, &tmpl); err != nil {
		respondWithError(w, err)
		return
	}
	if err := s.metadataService.Validate(&tmpl); err != nil {
		respondWithError(w, err)
		return
	}
	respondOK(w, map[string]any{"valid": true})
}

type templateTestRequest struct {
	Template model.WorkflowTemplate `json:"template"`
	Metadata map[string]any         `json:"metadata"`
}

// HandleTestTemplate previews the plan of a draft template for sample
// metadata without publishing it.
func (s *Server) HandleTestTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateTestRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	res, err := s.rules.Test(&req.Template, req.Metadata)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondOK(w, res)
}
