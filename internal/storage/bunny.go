package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// BunnyStore uploads through the BunnyCDN storage HTTP API.
type BunnyStore struct {
	uploadURL string
	apiKey    string
	client    *http.Client
}

func NewBunnyStore(uploadURL, apiKey string, client *http.Client) (*BunnyStore, error) {
	uploadURL = strings.TrimRight(strings.TrimSpace(uploadURL), "/")
	if uploadURL == "" {
		return nil, errors.New("storage: bunny upload url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &BunnyStore{uploadURL: uploadURL, apiKey: apiKey, client: client}, nil
}

func (s *BunnyStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.uploadURL+"/"+cleanKey, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("storage: build request: %w", err)
	}
	req.Header.Set("AccessKey", s.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("storage: put %s: %w", cleanKey, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("storage: put %s: status %d: %s", cleanKey, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
