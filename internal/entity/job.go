package entity

import (
	"encoding/json"
	"strings"
	"time"
)

type JobType string

const (
	JobTypeTxt2Img          JobType = "TXT2IMG"
	JobTypeImg2Img          JobType = "IMG2IMG"
	JobTypeExtra            JobType = "EXTRA"
	JobTypeInterrogate      JobType = "INTERROGATE"
	JobTypeControlNetDetect JobType = "CONTROLNET_DETECT"
	JobTypePromptGen        JobType = "PROMPTGEN"
)

func (t JobType) Valid() bool {
	switch t {
	case JobTypeTxt2Img, JobTypeImg2Img, JobTypeExtra,
		JobTypeInterrogate, JobTypeControlNetDetect, JobTypePromptGen:
		return true
	}
	return false
}

// GeneratesImages reports whether the engine returns newly synthesized
// images for this type (as opposed to captions, prompts or detector maps).
func (t JobType) GeneratesImages() bool {
	return t == JobTypeTxt2Img || t == JobTypeImg2Img || t == JobTypeExtra
}

type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusDone       JobStatus = "DONE"
	StatusFailed     JobStatus = "FAILED"
)

func (s JobStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusDone, StatusFailed:
		return 2
	}
	return -1
}

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool { return s.rank() == 2 }

// CanTransition reports whether moving from s to next keeps the status monotonic.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if next.rank() < 0 || s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

type ImageFormat string

const (
	FormatJPEG         ImageFormat = "JPEG"
	FormatPNG          ImageFormat = "PNG"
	FormatWEBP         ImageFormat = "WEBP"
	FormatWEBPLossless ImageFormat = "WEBP_LOSSLESS"
	FormatGIF          ImageFormat = "GIF"
	FormatMP4          ImageFormat = "MP4"
)

// DefaultFormat is used when a job record carries no format field.
const DefaultFormat = FormatWEBP

func (f ImageFormat) Valid() bool {
	switch f {
	case FormatJPEG, FormatPNG, FormatWEBP, FormatWEBPLossless, FormatGIF, FormatMP4:
		return true
	}
	return false
}

// IsWEBP covers both the lossy and lossless WEBP variants.
func (f ImageFormat) IsWEBP() bool {
	return f == FormatWEBP || f == FormatWEBPLossless
}

type WorkerStatus string

const (
	WorkerInitial      WorkerStatus = "INITIAL"
	WorkerStandby      WorkerStatus = "STANDBY"
	WorkerProcessing   WorkerStatus = "PROCESSING"
	WorkerRestart      WorkerStatus = "RESTART"
	WorkerDisconnected WorkerStatus = "DISCONNECTED"
)

type Command string

const (
	CommandStop           Command = "STOP"
	CommandRestartBackend Command = "RESTART_BACKEND"
	CommandFlushQueue     Command = "FLUSH_QUEUE"
)

// ParseCommand accepts the command names plus the legacy RESTART_WEBUI alias.
func ParseCommand(s string) (Command, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(CommandStop):
		return CommandStop, true
	case string(CommandRestartBackend), "RESTART_WEBUI":
		return CommandRestartBackend, true
	case string(CommandFlushQueue):
		return CommandFlushQueue, true
	}
	return "", false
}

type SignalKind string

const (
	SignalCommand SignalKind = "COMMAND"
	SignalJob     SignalKind = "JOB"
)

// QueueSignal is the outcome of one blocking wait on the coordination store.
type QueueSignal struct {
	Kind      SignalKind
	Payload   string
	SourceKey string
}

type Webhook struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// JobRecord is the raw job hash as stored in the coordination store. JSON
// sub-fields are kept undecoded; the job constructor owns their validation.
type JobRecord struct {
	ID          string
	Type        JobType
	Payload     json.RawMessage
	Format      ImageFormat
	Postprocess json.RawMessage
	Webhook     json.RawMessage
	Status      JobStatus
	Worker      string
	Tag         string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Result      json.RawMessage
}
