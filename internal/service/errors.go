// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — запись не найдена или принадлежит другому владельцу.
	ErrNotFound = errors.New("запись не найдена")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrUnsupportedMediaType — MIME-тип не входит в список разрешённых.
	ErrUnsupportedMediaType = errors.New("неподдерживаемый тип файла")
	// ErrInvalidRange — некорректный интервал обрезки.
	ErrInvalidRange = errors.New("некорректный интервал: требуется 0 <= start < end")
	// ErrRangeExceedsDuration — конец интервала за пределами длительности записи.
	ErrRangeExceedsDuration = errors.New("интервал выходит за длительность записи")
	// ErrRangeNotSatisfiable — заголовок Range некорректен или вне размера файла.
	ErrRangeNotSatisfiable = errors.New("диапазон не может быть удовлетворён")
	// ErrTranscodeFailed — ошибка перекодирования видео.
	ErrTranscodeFailed = errors.New("ошибка обработки видео")
	// ErrStorage — ошибка файлового хранилища.
	ErrStorage = errors.New("ошибка файлового хранилища")
	// ErrConflict — запись изменена параллельным запросом.
	ErrConflict = errors.New("конфликт — запись изменена параллельно")
	// ErrMissingFile — отсутствует файл в multipart-запросе.
	ErrMissingFile = errors.New("файл не передан")
)
