// folders.go — CRUD пользовательских папок.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/recstore/internal/api/errors"
	"github.com/bigkaa/recstore/internal/domain/model"
)

type folderListResponse struct {
	Folders []folderResponse `json:"folders"`
}

type createFolderRequest struct {
	UserID   string  `json:"userId"`
	Name     string  `json:"name"`
	ParentID *string `json:"parentId"`
}

// ListFolders обрабатывает GET /api/v1/folders?userId=.
func (h *Handler) ListFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := h.svc.Folders.List(r.Context(), queryOwner(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp := folderListResponse{Folders: make([]folderResponse, 0, len(folders))}
	for _, f := range folders {
		resp.Folders = append(resp.Folders, toFolderResponse(f))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateFolder обрабатывает POST /api/v1/folders.
func (h *Handler) CreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	owner := resolveOwner(r, req.UserID, r.URL.Query().Get("userId"))

	f, err := h.svc.Folders.Create(r.Context(), owner, req.Name, req.ParentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFolderResponse(f))
}

// PatchFolder обрабатывает PATCH /api/v1/folders/{id}: name, parentId (null — в корень).
func (h *Handler) PatchFolder(w http.ResponseWriter, r *http.Request) {
	fields, ok := decodeFields(w, r)
	if !ok {
		return
	}

	var patch model.FolderPatch
	var err error
	if patch.Name, err = optionalField[string](fields, "name"); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if patch.ParentID, err = optionalField[string](fields, "parentId", "parent_id"); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	f, err := h.svc.Folders.Patch(r.Context(), chi.URLParam(r, "id"), queryOwner(r), patch)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFolderResponse(f))
}

// DeleteFolder обрабатывает DELETE /api/v1/folders/{id}.
// Записи папки остаются без папки, вложенные папки переносятся в корень.
func (h *Handler) DeleteFolder(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Folders.Delete(r.Context(), chi.URLParam(r, "id"), queryOwner(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeJSON декодирует тело запроса в dst; при ошибке пишет 400.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return false
	}
	return true
}
