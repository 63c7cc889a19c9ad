package entity

import "time"

// WorkerState is the heartbeat record a worker keeps under worker_<name>.
type WorkerState struct {
	Worker    string       `json:"worker"`
	Status    WorkerStatus `json:"status"`
	Version   string       `json:"version,omitempty"`
	Queues    []string     `json:"queues,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`

	// TTL is filled by readers from the key expiry.
	TTL time.Duration `json:"-"`
}
