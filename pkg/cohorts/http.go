package cohorts

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/logger"
	"github.com/cohortworks/platform/pkg/common/models"
)

type Handler struct {
	repo         *Repository
	materializer *Materializer
}

func NewHandler(repo *Repository, materializer *Materializer) *Handler {
	return &Handler{repo: repo, materializer: materializer}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/cohorts", h.handleCreateCohort).Methods(http.MethodPost)
	r.HandleFunc("/cohorts", h.handleListCohorts).Methods(http.MethodGet)
	r.HandleFunc("/cohorts/{id}", h.handleGetCohort).Methods(http.MethodGet)
	r.HandleFunc("/cohorts/{id}", h.handleUpdateCohort).Methods(http.MethodPut)
	r.HandleFunc("/cohorts/{id}", h.handleDeleteCohort).Methods(http.MethodDelete)
	r.HandleFunc("/cohorts/count", h.handleCountParticipants).Methods(http.MethodPost)
	r.HandleFunc("/concept-sets", h.handleCreateConceptSet).Methods(http.MethodPost)
	r.HandleFunc("/concept-sets", h.handleListConceptSets).Methods(http.MethodGet)
	r.HandleFunc("/concept-sets/{id}", h.handleGetConceptSet).Methods(http.MethodGet)
	r.HandleFunc("/concept-sets/{id}", h.handleUpdateConceptSet).Methods(http.MethodPut)
	r.HandleFunc("/concept-sets/{id}", h.handleDeleteConceptSet).Methods(http.MethodDelete)
	r.HandleFunc("/cohorts/materialize", h.handleMaterializeCohort).Methods(http.MethodPost)
	r.HandleFunc("/cohorts/cdr-query", h.handleGetCdrQuery).Methods(http.MethodPost)
	r.HandleFunc("/cohorts/dataset-query", h.handleGetDataSetQuery).Methods(http.MethodPost)
}

func (h *Handler) handleCreateCohort(w http.ResponseWriter, r *http.Request) {
	var req models.Cohort
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierrors.BadRequest(apierrors.CodeParseError, "invalid request body"))
		return
	}
	if req.Name == "" || req.Criteria == "" {
		writeError(w, apierrors.BadRequest(apierrors.CodeInvalidRequest, "name and criteria are required"))
		return
	}
	var searchRequest models.SearchRequest
	if err := json.Unmarshal([]byte(req.Criteria), &searchRequest); err != nil {
		writeError(w, apierrors.BadRequest(apierrors.CodeParseError, "could not parse cohort criteria"))
		return
	}
	cohort, err := h.repo.CreateCohort(r.Context(), req)
	if err != nil {
		logger.Log.WithError(err).Error("failed to create cohort")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cohort)
}

func (h *Handler) handleListCohorts(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)
	cohorts, err := h.repo.ListCohorts(r.Context(), limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list cohorts")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": cohorts})
}

func (h *Handler) handleGetCohort(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cohort, err := h.repo.GetCohort(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cohort)
}

func (h *Handler) handleUpdateCohort(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req models.Cohort
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierrors.BadRequest(apierrors.CodeParseError, "invalid request body"))
		return
	}
	if req.Etag == "" {
		writeError(w, apierrors.BadRequest(apierrors.CodeInvalidRequest, "etag is required for updates"))
		return
	}
	req.ID = id
	cohort, err := h.repo.UpdateCohort(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cohort)
}

func (h *Handler) handleDeleteCohort(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.repo.DeleteCohort(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCountParticipants(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierrors.BadRequest(apierrors.CodeParseError, "invalid request body"))
		return
	}
	count, err := h.materializer.CountParticipants(r.Context(), &req)
	if err != nil {
		logger.Log.WithError(err).Error("failed to count participants")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": count})
}

func (h *Handler) handleMaterializeCohort(w http.ResponseWriter, r *http.Request) {
	var req models.MaterializeCohortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierrors.BadRequest(apierrors.CodeParseError, "invalid request body"))
		return
	}
	resp, err := h.materializer.MaterializeCohort(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetCdrQuery(w http.ResponseWriter, r *http.Request) {
	var req models.MaterializeCohortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierrors.BadRequest(apierrors.CodeParseError, "invalid request body"))
		return
	}
	query, err := h.materializer.GetCdrQuery(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, query)
}

type dataSetQueryRequest struct {
	Domain string `json:"domain"`
	models.MaterializeCohortRequest
}

func (h *Handler) handleGetDataSetQuery(w http.ResponseWriter, r *http.Request) {
	var req dataSetQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierrors.BadRequest(apierrors.CodeParseError, "invalid request body"))
		return
	}
	query, err := h.materializer.GetDataSetQuery(r.Context(), req.Domain, &req.MaterializeCohortRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, query)
}

func (h *Handler) handleCreateConceptSet(w http.ResponseWriter, r *http.Request) {
	var req models.ConceptSet
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierrors.BadRequest(apierrors.CodeParseError, "invalid request body"))
		return
	}
	if req.Name == "" {
		writeError(w, apierrors.BadRequest(apierrors.CodeInvalidRequest, "name is required"))
		return
	}
	set, err := h.repo.CreateConceptSet(r.Context(), req)
	if err != nil {
		logger.Log.WithError(err).Error("failed to create concept set")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, set)
}

func (h *Handler) handleListConceptSets(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)
	sets, err := h.repo.ListConceptSets(r.Context(), limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list concept sets")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": sets})
}

func (h *Handler) handleGetConceptSet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	set, err := h.repo.GetConceptSet(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (h *Handler) handleUpdateConceptSet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req models.ConceptSet
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierrors.BadRequest(apierrors.CodeParseError, "invalid request body"))
		return
	}
	if req.Etag == "" {
		writeError(w, apierrors.BadRequest(apierrors.CodeInvalidRequest, "etag is required for updates"))
		return
	}
	req.ID = id
	set, err := h.repo.UpdateConceptSet(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (h *Handler) handleDeleteConceptSet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.repo.DeleteConceptSet(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, apierrors.BadRequest(apierrors.CodeInvalidRequest, "invalid id in path")
	}
	return id, nil
}

func parseLimit(r *http.Request, fallback int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			return limit
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Log.WithError(err).Error("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := apierrors.HTTPStatus(err)
	body := map[string]interface{}{"message": "internal error"}
	if apiErr := apierrors.As(err); apiErr != nil {
		body["code"] = apiErr.Code
		body["message"] = apiErr.Message
	} else if status >= 500 {
		logger.Log.WithError(err).Error("request failed")
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}
