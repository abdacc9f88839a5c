// Package scrape defines core types shared across subsystems.
package scrape

import (
	"errors"
	"net/http"
	"time"
)

// ErrNotFound is returned by snapshot stores that hold no result yet.
var ErrNotFound = errors.New("snapshot not found")

// TriggerSource records who asked for a scrape.
type TriggerSource string

// Trigger sources.
const (
	SourceStartup TriggerSource = "startup"
	SourceCron    TriggerSource = "cron"
	SourceAPI     TriggerSource = "api"
)

// Trigger is a request for exactly one scrape. Its fields are informational;
// the worker treats every trigger the same way.
type Trigger struct {
	ID         string        `json:"id"`
	Source     TriggerSource `json:"source"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// Result is one successfully extracted payload. Seq is assigned by the result
// cache and increases with every publish.
type Result struct {
	Seq         uint64    `json:"seq"`
	RunID       string    `json:"run_id"`
	Payload     string    `json:"payload"`
	Digest      string    `json:"digest"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL         string
	Headers     http.Header
	UseHeadless bool
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
