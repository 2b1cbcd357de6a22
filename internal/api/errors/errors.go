// Пакет errors — конструкторы стандартных ошибок API.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors //nolint:revive // конфликт имени со stdlib, импортируется как apierrors

import (
	"encoding/json"
	"net/http"
)

// Коды ошибок.
const (
	CodeValidationError      = "VALIDATION_ERROR"
	CodeNotFound             = "NOT_FOUND"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeConflict             = "CONFLICT"
	CodeInvalidRange         = "INVALID_RANGE"
	CodeFileTooLarge         = "FILE_TOO_LARGE"
	CodeUnsupportedMediaType = "UNSUPPORTED_MEDIA_TYPE"
	CodeTranscodeFailed      = "TRANSCODE_FAILED"
	CodeMethodNotAllowed     = "METHOD_NOT_ALLOWED"
	CodeInternalError        = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется API-ключ.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Conflict — 409 запись изменена параллельным запросом.
func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeConflict, message)
}

// InvalidRange — 416 заголовок Range не может быть удовлетворён.
func InvalidRange(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestedRangeNotSatisfiable, CodeInvalidRange, message)
}

// FileTooLarge — 413 файл превышает лимит.
func FileTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, message)
}

// UnsupportedMediaType — 400 тип файла не разрешён. Клиенты загрузки
// различают отказ по коду UNSUPPORTED_MEDIA_TYPE, а не по статусу.
func UnsupportedMediaType(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeUnsupportedMediaType, message)
}

// TranscodeFailed — 502 ошибка ffmpeg.
func TranscodeFailed(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodeTranscodeFailed, message)
}

// MethodNotAllowed — 405 метод не поддерживается.
func MethodNotAllowed(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
