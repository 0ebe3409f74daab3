package handler

import (
	"net/http"

	"github.com/deptchat/internal/config"
	"github.com/deptchat/internal/department"
)

// ConfigHandler отдаёт публичные параметры для клиента (без авторизации).
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

type clientConfig struct {
	PollIntervalSeconds int      `json:"poll_interval_seconds"`
	MaxFiles            int      `json:"max_files"`
	MaxFileSizeMB       int64    `json:"max_file_size_mb"`
	Departments         []string `json:"departments"`
}

// GetClientConfig: интервал опроса списков/счётчиков и лимиты вложений.
func (h *ConfigHandler) GetClientConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, clientConfig{
		PollIntervalSeconds: int(h.cfg.PollInterval.Seconds()),
		MaxFiles:            h.cfg.Attachments.MaxFiles,
		MaxFileSizeMB:       h.cfg.Attachments.MaxFileSize >> 20,
		Departments:         department.Known,
	})
}
