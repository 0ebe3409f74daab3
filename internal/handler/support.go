package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/deptchat/internal/attachment"
	"github.com/deptchat/internal/logger"
	"github.com/deptchat/internal/middleware"
	"github.com/deptchat/internal/model"
	"github.com/deptchat/internal/service"
)

const (
	maxContentBytes = 16 << 10
	multipartMemory = 8 << 20
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// maxbytes ограничивает размер текста в байтах (а не в рунах, как max).
	_ = v.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		limit, err := strconv.Atoi(fl.Param())
		if err != nil {
			return false
		}
		return len(fl.Field().String()) <= limit
	})
	_ = v.RegisterValidation("utf8", func(fl validator.FieldLevel) bool {
		return utf8.ValidString(fl.Field().String())
	})
	return v
}

type createChatRequest struct {
	Department string `json:"department" validate:"required,max=64,utf8"`
	Content    string `json:"content" validate:"maxbytes=16384,utf8"`
}

type sendMessageRequest struct {
	Content string `json:"content" validate:"maxbytes=16384,utf8"`
}

// SupportHandler: HTTP-поверхность чатов поддержки; вся логика в service.ChatService.
type SupportHandler struct {
	svc *service.ChatService
}

func NewSupportHandler(svc *service.ChatService) *SupportHandler {
	return &SupportHandler{svc: svc}
}

// Routes монтируется под /api/support внутри группы с авторизацией.
func (h *SupportHandler) Routes(r chi.Router) {
	r.Get("/departments", h.Departments)
	r.Post("/chats", h.CreateChat)
	r.Get("/chats/pending", h.ListPending)
	r.Get("/chats/active", h.ListActive)
	r.Get("/chats/closed", h.ListClosed)
	r.Get("/chats/{id}", h.GetChat)
	r.Post("/chats/{id}/accept", h.AcceptChat)
	r.Post("/chats/{id}/reject", h.RejectChat)
	r.Post("/chats/{id}/close", h.CloseChat)
	r.Post("/chats/{id}/read", h.MarkRead)
	r.Post("/chats/{id}/messages", h.SendMessage)
	r.Delete("/chats/{id}", h.DeleteChat)
	r.Get("/counts/pending", h.PendingCount)
	r.Get("/counts/unread", h.UnreadCount)
	r.Get("/files/{key}", h.ServeFile)
}

func (h *SupportHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	uploads, cleanup, ok := h.decode(w, r, &req, func(form *multipart.Form) {
		req.Department = formValue(form, "department")
		req.Content = formValue(form, "content")
	})
	if !ok {
		return
	}
	defer cleanup()

	d, err := h.svc.CreateChat(r.Context(), middleware.GetUserID(r.Context()), req.Department, req.Content, uploads)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *SupportHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	uploads, cleanup, ok := h.decode(w, r, &req, func(form *multipart.Form) {
		req.Content = formValue(form, "content")
	})
	if !ok {
		return
	}
	defer cleanup()

	msg, err := h.svc.SendMessage(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), req.Content, uploads)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *SupportHandler) AcceptChat(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.AcceptChat(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *SupportHandler) RejectChat(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RejectChat(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context())); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (h *SupportHandler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteChat(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context())); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *SupportHandler) CloseChat(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.CloseChat(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *SupportHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.MarkMessagesAsRead(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}

func (h *SupportHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.GetChatByID(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *SupportHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	h.writeList(w, r, h.svc.ListPending)
}

func (h *SupportHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	h.writeList(w, r, h.svc.ListActive)
}

func (h *SupportHandler) ListClosed(w http.ResponseWriter, r *http.Request) {
	h.writeList(w, r, h.svc.ListClosed)
}

func (h *SupportHandler) PendingCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.PendingCount(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h *SupportHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.UnreadCount(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h *SupportHandler) Departments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"departments": h.svc.Departments()})
}

// ServeFile отдаёт вложение участнику чата; имя для скачивания берётся из записи вложения.
func (h *SupportHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	att, rc, err := h.svc.OpenAttachment(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "key"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	defer rc.Close()
	if att.MimeType != "" {
		w.Header().Set("Content-Type", att.MimeType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Disposition", attachment.ContentDisposition(att.FileName))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		logger.Errorf("serve attachment %s: %v", att.FileKey, err)
	}
}

func (h *SupportHandler) writeList(w http.ResponseWriter, r *http.Request, list func(context.Context, string) ([]model.ChatDetail, error)) {
	chats, err := list(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

// decode читает тело запроса: multipart/form-data (поля + files) или JSON без вложений.
// cleanup закрывает открытые файлы и удаляет временные файлы формы.
func (h *SupportHandler) decode(w http.ResponseWriter, r *http.Request, dst any, fromForm func(*multipart.Form)) ([]model.Upload, func(), bool) {
	noop := func() {}
	limits := h.svc.Limits()

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, int64(limits.MaxFiles)*limits.MaxFileSize+multipartMemory)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			writeDecodeError(w, err)
			return nil, noop, false
		}
		form := r.MultipartForm
		fromForm(form)
		if err := validate.Struct(dst); err != nil {
			_ = form.RemoveAll()
			writeError(w, http.StatusBadRequest, err.Error())
			return nil, noop, false
		}

		headers := form.File["files"]
		uploads := make([]model.Upload, 0, len(headers))
		files := make([]multipart.File, 0, len(headers))
		cleanup := func() {
			for _, f := range files {
				_ = f.Close()
			}
			_ = form.RemoveAll()
		}
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				cleanup()
				logger.Errorf("open multipart file %q: %v", fh.Filename, err)
				writeError(w, http.StatusBadRequest, "cannot read uploaded file")
				return nil, noop, false
			}
			files = append(files, f)
			uploads = append(uploads, model.Upload{FileName: fh.Filename, Size: fh.Size, Content: f})
		}
		return uploads, cleanup, true
	}

	r.Body = http.MaxBytesReader(w, r.Body, 2*maxContentBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(w, err)
		return nil, noop, false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, noop, false
	}
	return nil, noop, true
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}
