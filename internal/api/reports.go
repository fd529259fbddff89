package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ashureev/counsel-labs/internal/domain"
	"github.com/ashureev/counsel-labs/internal/reports"
	"github.com/go-chi/chi/v5"
)

// DefaultMaxUpload caps report uploads when no limit is configured.
const DefaultMaxUpload = 10 << 20

// ReportHandler handles psychometric report uploads.
type ReportHandler struct {
	*Handler
	storage   reports.Storage
	maxUpload int64
}

// NewReportHandler creates a new report handler.
func NewReportHandler(base *Handler, storage reports.Storage, maxUpload int64) *ReportHandler {
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUpload
	}
	return &ReportHandler{Handler: base, storage: storage, maxUpload: maxUpload}
}

// RegisterRoutes registers report routes.
func (h *ReportHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/reports", func(r chi.Router) {
		r.Post("/psychometric", h.Upload)
		r.Get("/psychometric/latest", h.Latest)
	})
}

type assessmentFields struct {
	Interests          []string       `json:"interests"`
	Skills             []string       `json:"skills"`
	PersonalityType    string         `json:"personality_type"`
	Aptitude           map[string]int `json:"aptitude"`
	RecommendedCareers []string       `json:"recommended_careers"`
	SubjectsInterested []string       `json:"subjects_interested"`
}

// Upload stores a report file and records a new assessment snapshot for the
// caller. Structured results come from the optional "assessment" form field.
func (h *ReportHandler) Upload(w http.ResponseWriter, r *http.Request) {
	c, ok := callerOf(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "report file too large")
			return
		}
		h.fail(w, r, invalid("malformed multipart form"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.fail(w, r, invalid("file is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if len(data) == 0 {
		h.fail(w, r, invalid("file is empty"))
		return
	}

	var fields assessmentFields
	if raw := r.FormValue("assessment"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			h.fail(w, r, invalid("assessment must be a JSON object"))
			return
		}
	}

	url, err := h.storage.Save(r.Context(), reports.ObjectKey(c.UserID, header.Filename), data)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	a := &domain.Assessment{
		UserID:             c.UserID,
		Interests:          fields.Interests,
		Skills:             fields.Skills,
		PersonalityType:    fields.PersonalityType,
		Aptitude:           fields.Aptitude,
		RecommendedCareers: fields.RecommendedCareers,
		SubjectsInterested: fields.SubjectsInterested,
		ReportURL:          url,
	}
	if err := h.repo.CreateAssessment(r.Context(), a); err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("Psychometric report stored", "user_id", c.UserID, "assessment_id", a.ID, "bytes", len(data))
	JSON(w, http.StatusCreated, a)
}

// Latest returns the caller's most recent assessment.
func (h *ReportHandler) Latest(w http.ResponseWriter, r *http.Request) {
	c, ok := callerOf(w, r)
	if !ok {
		return
	}
	a, err := h.repo.LatestAssessment(r.Context(), c.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if a == nil {
		Error(w, http.StatusNotFound, "No psychometric data found")
		return
	}
	JSON(w, http.StatusOK, a)
}
