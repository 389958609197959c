package repo

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-sentinel/internal/evidence"
	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// SignalsClient fetches telemetry for a subject from the observability
// gateway and converts it into observation units.
type SignalsClient struct {
	baseURL     string
	metricsPath string
	logsPath    string
	eventsPath  string
	httpClient  *http.Client
}

// NewSignalsClient constructs a client targeting the configured gateway.
func NewSignalsClient(baseURL, metricsPath, logsPath, eventsPath string, timeout time.Duration) *SignalsClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SignalsClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		metricsPath: metricsPath,
		logsPath:    logsPath,
		eventsPath:  eventsPath,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// FetchWindow pulls metrics, logs, and events for the subject over the
// window. A quiet subject legitimately yields an empty slice.
func (c *SignalsClient) FetchWindow(ctx context.Context, subject string, start, end time.Time) ([]models.ObservationUnit, error) {
	if c == nil {
		return nil, fmt.Errorf("signals client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("signals base URL not configured")
	}

	payload := map[string]any{
		"subject": subject,
		"start":   start.Format(time.RFC3339),
		"end":     end.Format(time.RFC3339),
	}

	var units []models.ObservationUnit

	var metricsResp struct {
		Series []struct {
			Name      string    `json:"name"`
			Timestamp time.Time `json:"timestamp"`
			Value     float64   `json:"value"`
		} `json:"series"`
	}
	if err := postJSON(ctx, c.httpClient, c.resolvePath(c.metricsPath), payload, &metricsResp); err != nil {
		return nil, fmt.Errorf("signals metrics request failed: %w", err)
	}
	for _, s := range metricsResp.Series {
		units = append(units, models.ObservationUnit{
			ID:         uuid.NewString(),
			Subject:    subject,
			Kind:       models.ObservationMetric,
			Payload:    s.Name,
			Value:      s.Value,
			CapturedAt: s.Timestamp,
		})
	}

	var logsResp struct {
		Entries []struct {
			Timestamp time.Time `json:"timestamp"`
			Message   string    `json:"message"`
			Severity  string    `json:"severity"`
		} `json:"entries"`
	}
	if err := postJSON(ctx, c.httpClient, c.resolvePath(c.logsPath), payload, &logsResp); err != nil {
		return nil, fmt.Errorf("signals logs request failed: %w", err)
	}
	for _, e := range logsResp.Entries {
		units = append(units, models.ObservationUnit{
			ID:         uuid.NewString(),
			Subject:    subject,
			Kind:       models.ObservationLog,
			Payload:    e.Message,
			Severity:   strings.ToLower(e.Severity),
			CapturedAt: e.Timestamp,
		})
	}

	var eventsResp struct {
		Events []struct {
			Timestamp time.Time `json:"timestamp"`
			Reason    string    `json:"reason"`
			Message   string    `json:"message"`
		} `json:"events"`
	}
	if err := postJSON(ctx, c.httpClient, c.resolvePath(c.eventsPath), payload, &eventsResp); err != nil {
		return nil, fmt.Errorf("signals events request failed: %w", err)
	}
	for _, e := range eventsResp.Events {
		msg := e.Reason
		if e.Message != "" {
			msg = e.Reason + ": " + e.Message
		}
		units = append(units, models.ObservationUnit{
			ID:         uuid.NewString(),
			Subject:    subject,
			Kind:       models.ObservationEvent,
			Payload:    msg,
			Severity:   "warning",
			CapturedAt: e.Timestamp,
		})
	}

	return units, nil
}

func (c *SignalsClient) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

// SignalCollector tops up a subject's evidence buffer from the gateway
// ahead of each run. Implements detector.Collector.
type SignalCollector struct {
	client   *SignalsClient
	registry *evidence.Registry
	window   time.Duration
}

// NewSignalCollector wires a signals client to an evidence registry.
func NewSignalCollector(client *SignalsClient, registry *evidence.Registry, window time.Duration) *SignalCollector {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &SignalCollector{client: client, registry: registry, window: window}
}

// Collect fetches the trailing window and pushes every unit.
func (sc *SignalCollector) Collect(ctx context.Context, subject string) error {
	end := time.Now()
	units, err := sc.client.FetchWindow(ctx, subject, end.Add(-sc.window), end)
	if err != nil {
		return err
	}
	for _, unit := range units {
		sc.registry.Push(subject, unit)
	}
	return nil
}
