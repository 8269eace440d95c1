package storage

import (
	"time"

	"github.com/sdko-org/linkproxy/internal/models"
)

// Snapshot is the document written for every published refresh.
type Snapshot struct {
	RefreshedAt time.Time     `json:"refreshed_at"`
	Count       int           `json:"count"`
	Links       []models.Link `json:"links"`
}
