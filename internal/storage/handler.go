package storage

import (
	"net/http"
	"strings"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"go.uber.org/zap"
)

// Handler serves files stored by a Local backend under a URL prefix.
type Handler struct {
	local  *Local
	prefix string
	logger *zap.Logger
}

func NewHandler(local *Local, prefix string, logger *zap.Logger) *Handler {
	return &Handler{
		local:  local,
		prefix: "/" + strings.Trim(prefix, "/") + "/",
		logger: logging.OrNop(logger),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := strings.TrimPrefix(r.URL.Path, h.prefix)
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	if strings.Contains(key, "..") {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	fullPath, err := h.local.resolve(key)
	if err != nil {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	h.logger.Debug("serving file",
		zap.String("requested_path", r.URL.Path),
		zap.String("key", key),
	)

	http.ServeFile(w, r, fullPath)
}
