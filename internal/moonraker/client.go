// Package moonraker is a small client for the Moonraker printer API: object
// queries, job queue and history lookups, file metadata and the websocket
// status notifier.
package moonraker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"printstreamer/internal/platform/logger"
)

const defaultTimeout = 5 * time.Second

// ErrNotFound is returned when the printer has no data for a lookup.
var ErrNotFound = errors.New("moonraker: not found")

// StatusError reports a non-2xx response.
type StatusError struct {
	Path   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("moonraker %s: status %d", e.Path, e.Status)
}

// queryObjects is the object set read for every snapshot.
var queryObjects = []string{
	"print_stats", "display_status", "virtual_sdcard", "heater_bed",
	"extruder", "gcode_move", "motion_report",
}

// Client talks to one Moonraker instance.
type Client struct {
	baseURL    string
	apiKey     string
	authHeader string
	http       *http.Client
	log        *slog.Logger
}

// NewClient returns a Client for baseURL. apiKey, when set, is sent in
// authHeader (X-Api-Key by default).
func NewClient(baseURL, apiKey, authHeader string, log *slog.Logger) *Client {
	if authHeader == "" {
		authHeader = "X-Api-Key"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		authHeader: authHeader,
		http:       &http.Client{Timeout: defaultTimeout},
		log:        logger.WithComponent(log, "moonraker"),
	}
}

// BaseURL returns the printer API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) getRaw(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.getRawQuery(ctx, path, query.Encode())
}

func (c *Client) getRawQuery(ctx context.Context, path, rawQuery string) ([]byte, error) {
	u := c.baseURL + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set(c.authHeader, c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("moonraker %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Path: path, Status: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	b, err := c.getRaw(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("moonraker %s: decode: %w", path, err)
	}
	return nil
}

// Snapshot queries the printer objects and decodes them.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	b, err := c.getRawQuery(ctx, "/printer/objects/query", strings.Join(queryObjects, "&"))
	if err != nil {
		return Snapshot{State: StateUnknown}, err
	}
	return DecodeSnapshot(b), nil
}

// QueuedJob is the head of the job queue.
type QueuedJob struct {
	ID       string `json:"job_id"`
	Filename string `json:"filename"`
}

// JobQueueHead returns the first queued job or ErrNotFound.
func (c *Client) JobQueueHead(ctx context.Context) (QueuedJob, error) {
	var resp struct {
		Result struct {
			QueuedJobs []QueuedJob `json:"queued_jobs"`
		} `json:"result"`
	}
	if err := c.getJSON(ctx, "/server/job_queue/status", nil, &resp); err != nil {
		return QueuedJob{}, err
	}
	if len(resp.Result.QueuedJobs) == 0 {
		return QueuedJob{}, ErrNotFound
	}
	return resp.Result.QueuedJobs[0], nil
}

// LatestHistoryFilename returns the filename of the newest history entry.
func (c *Client) LatestHistoryFilename(ctx context.Context) (string, error) {
	var resp struct {
		Result struct {
			Jobs []struct {
				Filename string `json:"filename"`
			} `json:"jobs"`
		} `json:"result"`
	}
	q := url.Values{"limit": {"1"}, "order": {"desc"}}
	if err := c.getJSON(ctx, "/server/history/list", q, &resp); err != nil {
		return "", err
	}
	if len(resp.Result.Jobs) == 0 || resp.Result.Jobs[0].Filename == "" {
		return "", ErrNotFound
	}
	return resp.Result.Jobs[0].Filename, nil
}

// FileMetadata holds slicer-emitted attributes of a gcode file.
type FileMetadata struct {
	Filename         string  `json:"filename"`
	Slicer           string  `json:"slicer"`
	SlicerVersion    string  `json:"slicer_version"`
	LayerHeight      float64 `json:"layer_height"`
	FirstLayerHeight float64 `json:"first_layer_height"`
	ObjectHeight     float64 `json:"object_height"`
	LayerCount       int     `json:"layer_count"`
	FilamentTotal    float64 `json:"filament_total"`
	FilamentWeight   float64 `json:"filament_weight_total"`
	FilamentType     string  `json:"filament_type"`
	FilamentName     string  `json:"filament_name"`
	EstimatedTime    float64 `json:"estimated_time"`
}

// TotalLayers returns the slicer layer count, deriving it from heights when
// the slicer did not emit one.
func (m FileMetadata) TotalLayers() int {
	if m.LayerCount > 0 {
		return m.LayerCount
	}
	if m.LayerHeight <= 0 || m.ObjectHeight <= 0 {
		return 0
	}
	first := m.FirstLayerHeight
	if first <= 0 {
		first = m.LayerHeight
	}
	return 1 + int((m.ObjectHeight-first)/m.LayerHeight+0.5)
}

// Metadata returns the file metadata for filename.
func (c *Client) Metadata(ctx context.Context, filename string) (FileMetadata, error) {
	var resp struct {
		Result FileMetadata `json:"result"`
	}
	if err := c.getJSON(ctx, "/server/files/metadata", url.Values{"filename": {filename}}, &resp); err != nil {
		return FileMetadata{}, err
	}
	if resp.Result.Filename == "" {
		resp.Result.Filename = filename
	}
	return resp.Result, nil
}

// Health checks that the printer API answers.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := c.getRaw(ctx, "/server/info", nil)
	return err
}
