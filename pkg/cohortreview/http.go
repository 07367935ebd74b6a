package cohortreview

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
	service *Service
	repo    *Repository
}

func NewHandler(service *Service, repo *Repository) *Handler {
	return &Handler{service: service, repo: repo}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/cohorts/{id}/reviews", h.handleCreateReview).Methods(http.MethodPost)
	r.HandleFunc("/cohorts/{id}/annotation-definitions", h.handleCreateAnnotationDefinition).Methods(http.MethodPost)
	r.HandleFunc("/cohorts/{id}/annotation-definitions", h.handleListAnnotationDefinitions).Methods(http.MethodGet)
	r.HandleFunc("/annotation-definitions/{id}", h.handleRenameAnnotationDefinition).Methods(http.MethodPatch)
	r.HandleFunc("/annotation-definitions/{id}", h.handleDeleteAnnotationDefinition).Methods(http.MethodDelete)
	r.HandleFunc("/reviews/{id}", h.handleGetReview).Methods(http.MethodGet)
	r.HandleFunc("/reviews/{id}", h.handleUpdateReview).Methods(http.MethodPatch)
	r.HandleFunc("/reviews/{id}/participants", h.handleListParticipants).Methods(http.MethodGet)
	r.HandleFunc("/reviews/{id}/participants/{participantId}/status", h.handleUpdateParticipantStatus).Methods(http.MethodPut)
	r.HandleFunc("/reviews/{id}/participants/{participantId}/annotations", h.handleCreateAnnotation).Methods(http.MethodPost)
	r.HandleFunc("/reviews/{id}/participants/{participantId}/annotations", h.handleListAnnotations).Methods(http.MethodGet)
	r.HandleFunc("/annotations/{id}", h.handleUpdateAnnotation).Methods(http.MethodPut)
	r.HandleFunc("/annotations/{id}", h.handleDeleteAnnotation).Methods(http.MethodDelete)
}

type createReviewRequest struct {
	CdrVersionID int64 `json:"cdrVersionId"`
	Size         int64 `json:"size"`
}

func (h *Handler) handleCreateReview(w http.ResponseWriter, r *http.Request) {
	cohortID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req createReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierrors.BadRequest(apierrors.CodeParseError, "invalid request body"))
		return
	}
	review, err := h.service.CreateReview(r.Context(), cohortID, req.CdrVersionID, req.Size)
	if err != nil {
		logger.Log.WithError(err).Error("failed to create cohort review")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, review)
}

func (h *Handler) handleGetReview(w http.ResponseWriter, r *http.Request) {
	reviewID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	review, err := h.service.GetReview(r.Context(), reviewID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

func (h *Handler) handleUpdateReview(w http.ResponseWriter, r *http.Request) {
	reviewID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var review models.CohortReview
	if err := json.NewDecoder(r.Body).Decode(&review); err != nil {
		writeError(w, apierrors.BadRequest(apierrors.CodeParseError, "invalid request body"))
		return
	}
	if review.Etag == "" {
		writeError(w, apierrors.BadRequest(apierrors.CodeInvalidRequest, "etag is required"))
		return
	}
	review.CohortReviewID = reviewID
	updated, err := h.service.UpdateReview(r.Context(), review)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	reviewID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var statusFilter []models.CohortStatus
	for _, raw := range r.URL.Query()["status"] {
		statusFilter = append(statusFilter, models.CohortStatus(raw))
	}
	limit := queryInt(r, "limit", 25)
	offset := queryInt(r, "offset", 0)
	statuses, err := h.service.ListParticipantStatuses(r.Context(), reviewID, statusFilter, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": statuses})
}

type updateStatusRequest struct {
	Status models.CohortStatus `json:"status"`
}

func (h *Handler) handleUpdateParticipantStatus(w http.ResponseWriter, r *http.Request) {
	reviewID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	participantID, err := pathID(r, "participantId")
	if err != nil {
		writeError(w, err)
		return
	}
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierrors.BadRequest(apierrors.CodeParseError, "invalid request body"))
		return
	}
	status, err := h.service.UpdateParticipantStatus(r.Context(), reviewID, participantID, req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleCreateAnnotationDefinition(w http.ResponseWriter, r *http.Request) {
	cohortID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var def models.CohortAnnotationDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, apierrors.BadRequest(apierrors.CodeParseError, "invalid request body"))
		return
	}
	def.CohortID = cohortID
	created, err := h.service.CreateAnnotationDefinition(r.Context(), def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleListAnnotationDefinitions(w http.ResponseWriter, r *http.Request) {
	cohortID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	defs, err := h.repo.ListAnnotationDefinitions(r.Context(), cohortID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": defs})
}

func (h *Handler) handleRenameAnnotationDefinition(w http.ResponseWriter, r *http.Request) {
	defID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var def models.CohortAnnotationDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, apierrors.BadRequest(apierrors.CodeParseError, "invalid request body"))
		return
	}
	if def.ColumnName == "" || def.Etag == "" {
		writeError(w, apierrors.BadRequest(apierrors.CodeInvalidRequest, "columnName and etag are required"))
		return
	}
	def.CohortAnnotationDefinitionID = defID
	updated, err := h.repo.RenameAnnotationDefinition(r.Context(), def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDeleteAnnotationDefinition(w http.ResponseWriter, r *http.Request) {
	defID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.repo.DeleteAnnotationDefinition(r.Context(), defID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateAnnotation(w http.ResponseWriter, r *http.Request) {
	reviewID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	participantID, err := pathID(r, "participantId")
	if err != nil {
		writeError(w, err)
		return
	}
	var annotation models.ParticipantCohortAnnotation
	if err := json.NewDecoder(r.Body).Decode(&annotation); err != nil {
		writeError(w, apierrors.BadRequest(apierrors.CodeParseError, "invalid request body"))
		return
	}
	annotation.CohortReviewID = reviewID
	annotation.ParticipantID = participantID
	created, err := h.service.CreateAnnotation(r.Context(), annotation)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleListAnnotations(w http.ResponseWriter, r *http.Request) {
	reviewID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	participantID, err := pathID(r, "participantId")
	if err != nil {
		writeError(w, err)
		return
	}
	annotations, err := h.repo.ListAnnotations(r.Context(), reviewID, participantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": annotations})
}

func (h *Handler) handleUpdateAnnotation(w http.ResponseWriter, r *http.Request) {
	annotationID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var annotation models.ParticipantCohortAnnotation
	if err := json.NewDecoder(r.Body).Decode(&annotation); err != nil {
		writeError(w, apierrors.BadRequest(apierrors.CodeParseError, "invalid request body"))
		return
	}
	annotation.AnnotationID = annotationID
	updated, err := h.service.UpdateAnnotation(r.Context(), annotation)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDeleteAnnotation(w http.ResponseWriter, r *http.Request) {
	annotationID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.repo.DeleteAnnotation(r.Context(), annotationID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		return 0, apierrors.BadRequest(apierrors.CodeInvalidRequest, "invalid %s", name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, fallback int64) int64 {
	if raw := r.URL.Query().Get(name); raw != "" {
		if value, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return value
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
