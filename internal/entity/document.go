package entity

import "time"

// JobDocument is the derived, read-only view of a closed job forwarded to the
// search and log indices. Prompt text is hoisted out of Result.
type JobDocument struct {
	ID             string
	Type           JobType
	Status         JobStatus
	Worker         string
	Queue          string
	Tag            string
	CreatedAt      time.Time
	Prompt         string
	NegativePrompt string
	Model          string
	Images         []string
	Result         *Map
}
