package visual

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"resty.dev/v3"
)

// LocalBackend appends scalar records to scalars.json (one JSON object
// per line) and dumps the config to config.txt under the run directory.
type LocalBackend struct {
	dir  string
	file *os.File
	enc  *json.Encoder
}

// NewLocalBackend opens the scalar log under dir, creating the
// directory as needed.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create visualization dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "scalars.json"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open scalar log: %w", err)
	}
	return &LocalBackend{dir: dir, file: f, enc: json.NewEncoder(f)}, nil
}

type scalarRecord struct {
	Step    int                `json:"step"`
	Scalars map[string]float64 `json:"scalars"`
}

// WriteScalars implements Backend.
func (b *LocalBackend) WriteScalars(step int, scalars map[string]float64) error {
	return b.enc.Encode(scalarRecord{Step: step, Scalars: scalars})
}

// WriteConfig implements Backend.
func (b *LocalBackend) WriteConfig(text string) error {
	return os.WriteFile(filepath.Join(b.dir, "config.txt"), []byte(text), 0o644)
}

// Close implements Backend.
func (b *LocalBackend) Close() error { return b.file.Close() }

// HTTPBackend posts scalar records to a tracking service.
type HTTPBackend struct {
	client *resty.Client
	run    string
}

// NewHTTPBackend targets the tracking service at endpoint. run labels
// the records for this run.
func NewHTTPBackend(endpoint, run string) *HTTPBackend {
	client := resty.New().
		SetBaseURL(endpoint).
		SetHeader("Content-Type", "application/json")
	return &HTTPBackend{client: client, run: run}
}

type scalarPayload struct {
	Run     string             `json:"run"`
	Step    int                `json:"step"`
	Scalars map[string]float64 `json:"scalars"`
}

type configPayload struct {
	Run    string `json:"run"`
	Config string `json:"config"`
}

// WriteScalars implements Backend.
func (b *HTTPBackend) WriteScalars(step int, scalars map[string]float64) error {
	res, err := b.client.R().
		SetBody(scalarPayload{Run: b.run, Step: step, Scalars: scalars}).
		Post("/scalars")
	if err != nil {
		return fmt.Errorf("failed to post scalars: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("tracking service rejected scalars: %s", res.Status())
	}
	return nil
}

// WriteConfig implements Backend.
func (b *HTTPBackend) WriteConfig(text string) error {
	res, err := b.client.R().
		SetBody(configPayload{Run: b.run, Config: text}).
		Post("/config")
	if err != nil {
		return fmt.Errorf("failed to post config: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("tracking service rejected config: %s", res.Status())
	}
	return nil
}

// Close implements Backend.
func (b *HTTPBackend) Close() error { return b.client.Close() }
