package web

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/fieldexport/internal/logging"
	"github.com/JonMunkholm/fieldexport/internal/storage"
)

// handleDownload serves GET /api/objects/{key...}?expires=..&sig=.. for
// links issued by storage.Signer.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	logger := logging.FromContext(r.Context()).With("key", key)

	q := r.URL.Query()
	switch err := s.deps.Signer.Verify(key, q.Get("expires"), q.Get("sig")); {
	case errors.Is(err, storage.ErrLinkExpired):
		logger.Info("download: link expired")
		http.Error(w, "link expired", http.StatusGone)
		return
	case err != nil:
		logger.Warn("download: bad signature")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	info, body, err := s.deps.Objects.Open(key)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Error("download: open failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer body.Close()

	h := w.Header()
	h.Set("Content-Type", info.ContentType)
	h.Set("Content-Length", strconv.FormatInt(info.Size, 10))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(info.Key)}))
	h.Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)

	if n, err := io.Copy(w, body); err != nil {
		logger.Warn("download: interrupted", "bytes", n, "error", err)
	}
}
