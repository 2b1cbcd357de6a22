package model

// Optional — значение частичного обновления.
// Set=false — поле не передано и не меняется.
// Set=true, Value=nil — поле очищается (NULL).
// Set=true, Value!=nil — поле получает новое значение.
type Optional[T any] struct {
	Set   bool
	Value *T
}

// Some возвращает Optional с заданным значением.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Set: true, Value: &v}
}

// Null возвращает Optional, очищающий поле.
func Null[T any]() Optional[T] {
	return Optional[T]{Set: true}
}

// VideoPatch — частичное обновление метаданных записи.
// Отсутствующие поля сохраняют текущее значение.
type VideoPatch struct {
	Title       Optional[string]
	Description Optional[string]
	FolderID    Optional[string]
	Notes       Optional[string]
	IsPublic    Optional[bool]
}

// IsEmpty возвращает true, если патч не меняет ни одного поля.
func (p VideoPatch) IsEmpty() bool {
	return !p.Title.Set && !p.Description.Set && !p.FolderID.Set &&
		!p.Notes.Set && !p.IsPublic.Set
}

// Apply применяет патч к копии записи и возвращает результат.
// Исходная запись не изменяется. Очистка non-nullable полей (title, isPublic)
// игнорируется: для них учитывается только переданное значение.
func (p VideoPatch) Apply(v *Video) *Video {
	out := v.Clone()
	if p.Title.Set && p.Title.Value != nil {
		out.Title = *p.Title.Value
	}
	if p.Description.Set {
		out.Description = cloneString(p.Description.Value)
	}
	if p.FolderID.Set {
		out.FolderID = cloneString(p.FolderID.Value)
	}
	if p.Notes.Set {
		out.Notes = cloneString(p.Notes.Value)
	}
	if p.IsPublic.Set && p.IsPublic.Value != nil {
		out.IsPublic = *p.IsPublic.Value
	}
	return out
}

// BlobUpdate — новые значения полей, описывающих бинарный файл записи.
// Применяется атомарно одной строкой при обрезке с заменой.
type BlobUpdate struct {
	StoredFilename  string
	FileSize        int64
	DurationSeconds *float64
	ThumbnailKey    *string
}

// FolderPatch — частичное обновление папки.
type FolderPatch struct {
	Name     Optional[string]
	ParentID Optional[string]
}
