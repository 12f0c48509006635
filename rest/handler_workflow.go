package rest

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/approvy/model"
)

func (s *Server) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req model.SubmissionRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	res, err := s.workflows.Submit(r.Context(), req)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, res)
}

func (s *Server) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	st, err := s.workflows.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondOK(w, st)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) HandleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	sub, err := s.workflows.Cancel(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondOK(w, sub)
}

func (s *Server) HandleTaskAction(w http.ResponseWriter, r *http.Request) {
	var action model.TaskAction
	if err := decode(r, &action); err != nil {
		respondWithError(w, err)
		return
	}
	action.TaskId = mux.Vars(r)["id"]
	task, err := s.workflows.Act(r.Context(), action)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondOK(w, task)
}

type reassignRequest struct {
	Role     string `json:"role,omitempty"`
	Assignee string `json:"assignee,omitempty"`
}

func (s *Server) HandleReassign(w http.ResponseWriter, r *http.Request) {
	var req reassignRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	task, err := s.workflows.Reassign(r.Context(), mux.Vars(r)["id"], req.Role, req.Assignee)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, task)
}

func (s *Server) HandleEntityStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	status, err := s.entities.GetStatus(r.Context(), vars["type"], vars["id"])
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondOK(w, map[string]string{"entityType": vars["type"], "entityId": vars["id"], "status": status})
}
