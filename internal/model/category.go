package model

import "time"

// Category groups expenses. Deleting a category nullifies references to it.
type Category struct {
	CreatedAt   time.Time
	ID          string
	Name        string
	Description string
}

// Tag is a free-form label attached to expenses and templates.
type Tag struct {
	ID   string
	Name string
}
