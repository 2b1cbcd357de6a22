package model

import "time"

// Folder — пользовательская папка для группировки записей.
type Folder struct {
	ID       string
	OwnerID  string
	Name     string
	ParentID *string

	CreatedAt time.Time
	UpdatedAt time.Time
}
