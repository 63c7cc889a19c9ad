package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CodeOutputOnDisk is reported by engines that finished a generation but
// could not return it inline; the artifacts are left at the given paths.
const CodeOutputOnDisk = "OUTPUT_ON_DISK"

type APIError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("engine %s: status %d: %s", e.Endpoint, e.Status, strings.TrimSpace(body))
}

type OutputOnDiskError struct {
	Endpoint string
	Paths    []string
}

func (e *OutputOnDiskError) Error() string {
	return fmt.Sprintf("engine %s: output left on disk (%d files)", e.Endpoint, len(e.Paths))
}

type errorBody struct {
	Code  string   `json:"code"`
	Paths []string `json:"paths"`
}

func parseError(endpoint string, status int, body []byte) error {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Code == CodeOutputOnDisk && len(eb.Paths) > 0 {
		return &OutputOnDiskError{Endpoint: endpoint, Paths: eb.Paths}
	}
	return &APIError{Endpoint: endpoint, Status: status, Body: string(body)}
}
