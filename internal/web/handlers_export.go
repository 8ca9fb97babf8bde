package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/JonMunkholm/fieldexport/internal/export"
	"github.com/JonMunkholm/fieldexport/internal/logging"
	"github.com/JonMunkholm/fieldexport/internal/strategies"
	"github.com/JonMunkholm/fieldexport/internal/web/middleware"
)

// maxExportBody bounds the export request body.
const maxExportBody = 64 << 10

// exportRequest is the body of POST /api/surveys/{surveyID}/exports.
// Include toggles sections by name; Keys are the destination object keys
// and default to one generated key.
type exportRequest struct {
	Include map[string]bool `json:"include"`
	Keys    []string        `json:"keys"`
}

type exportResponse struct {
	ExportID string   `json:"export_id"`
	Keys     []string `json:"keys"`
	URLs     []string `json:"urls"`
}

type sectionsResponse struct {
	Sections []string `json:"sections"`
}

func (s *Server) handleListSections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, sectionsResponse{Sections: strategies.Sections()})
}

func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	surveyID, err := strconv.ParseInt(chi.URLParam(r, "surveyID"), 10, 64)
	if err != nil || surveyID <= 0 {
		badRequest(w, r, "Invalid survey ID.")
		return
	}

	var body exportRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxExportBody)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, r, "Request body must be a JSON object.")
		return
	}

	identity := middleware.IdentityFrom(r.Context())
	keys := body.Keys
	if len(keys) == 0 {
		keys = []string{s.defaultKey(surveyID)}
	}

	ctx, logger := logging.WithFields(r.Context(),
		"survey_id", surveyID,
		"user_id", identity.UserID,
		"admin", identity.IsAdmin,
	)
	if s.deps.Export.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deps.Export.Timeout)
		defer cancel()
	}

	req := export.Request{
		Strategies: roster(body.Include, surveyID, identity.IsAdmin),
		Keys:       keys,
		Identity:   identity,
	}

	res, err := s.deps.Exporter.Export(ctx, req)
	if err != nil {
		respondError(w, r.WithContext(ctx), err, 0)
		return
	}

	logger.Info("export served", "export_id", res.ExportID, "keys", len(keys))
	writeJSON(w, r, http.StatusCreated, exportResponse{
		ExportID: res.ExportID,
		Keys:     keys,
		URLs:     res.URLs,
	})
}

// roster builds the strategy list for a request. Nothing toggled on yields
// an empty roster, which the exporter rejects before touching the database.
func roster(include map[string]bool, surveyID int64, isAdmin bool) []export.Strategy {
	for _, on := range include {
		if on {
			return []export.Strategy{strategies.NewSurveyExport(include, surveyID, isAdmin)}
		}
	}
	return nil
}

func (s *Server) defaultKey(surveyID int64) string {
	name := fmt.Sprintf("survey-%d/%s.zip", surveyID, uuid.NewString())
	if s.deps.Export.KeyPrefix == "" {
		return name
	}
	return path.Join(s.deps.Export.KeyPrefix, name)
}
