// Package elastic ships closed jobs to an Elasticsearch log index.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"image-worker/internal/entity"
)

const DefaultIndex = "ai-generations-log"

type Config struct {
	Addresses []string
	CloudID   string
	APIKey    string
	Index     string
	// Dev appends -dev to the index name.
	Dev       bool
	Transport http.RoundTripper
}

type LogIndex struct {
	es    *elasticsearch.Client
	index string
	now   func() time.Time
}

func NewLogIndex(cfg Config) (*LogIndex, error) {
	if len(cfg.Addresses) == 0 && cfg.CloudID == "" {
		return nil, errors.New("elastic: addresses or cloud id required")
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		CloudID:   cfg.CloudID,
		APIKey:    cfg.APIKey,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("elastic: %w", err)
	}

	index := cfg.Index
	if index == "" {
		index = DefaultIndex
	}
	if cfg.Dev {
		index += "-dev"
	}
	return &LogIndex{es: es, index: index, now: time.Now}, nil
}

func (l *LogIndex) Name() string { return "elastic" }

type logDocument struct {
	Timestamp      time.Time        `json:"@timestamp"`
	ID             string           `json:"id"`
	Type           entity.JobType   `json:"type"`
	Status         entity.JobStatus `json:"status"`
	Worker         string           `json:"worker,omitempty"`
	Queue          string           `json:"queue,omitempty"`
	Tag            string           `json:"tag,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	Prompt         string           `json:"prompt,omitempty"`
	NegativePrompt string           `json:"negative_prompt,omitempty"`
	Model          string           `json:"model,omitempty"`
	Images         []string         `json:"images,omitempty"`
	Result         *entity.Map      `json:"result"`
}

// Index writes one document per job id; a re-run overwrites it.
func (l *LogIndex) Index(ctx context.Context, doc entity.JobDocument) error {
	body, err := json.Marshal(logDocument{
		Timestamp:      l.now().UTC(),
		ID:             doc.ID,
		Type:           doc.Type,
		Status:         doc.Status,
		Worker:         doc.Worker,
		Queue:          doc.Queue,
		Tag:            doc.Tag,
		CreatedAt:      doc.CreatedAt,
		Prompt:         doc.Prompt,
		NegativePrompt: doc.NegativePrompt,
		Model:          doc.Model,
		Images:         doc.Images,
		Result:         doc.Result,
	})
	if err != nil {
		return fmt.Errorf("elastic: encode: %w", err)
	}

	res, err := l.es.Index(l.index, bytes.NewReader(body),
		l.es.Index.WithContext(ctx),
		l.es.Index.WithDocumentID(doc.ID),
	)
	if err != nil {
		return fmt.Errorf("elastic: index %s: %w", doc.ID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("elastic: index %s: %s: %s", doc.ID, res.Status(), strings.TrimSpace(string(msg)))
	}
	return nil
}
