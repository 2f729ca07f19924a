package dataplane

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Collector reads a run's log stream over SSE and accumulates lines until
// the completion predicate fires, the stream ends, or the window elapses.
type Collector struct {
	baseURL   string
	token     string
	client    *http.Client
	predicate CompletionPredicate
}

func NewCollector(baseURL string, token string, predicate CompletionPredicate) *Collector {
	if predicate == nil {
		predicate = func(string) bool { return false }
	}
	return &Collector{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		// No client-level timeout: the stream is long-lived and bounded
		// per call by the context deadline below.
		client:    &http.Client{},
		predicate: predicate,
	}
}

// CollectLogs streams logs for a run for at most maxWait. Logs gathered
// before a timeout are returned without error; an error means nothing was
// collected at all.
func (c *Collector) CollectLogs(ctx context.Context, runID string, maxWait time.Duration) (string, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}
	if maxWait <= 0 {
		maxWait = 2 * time.Minute
	}
	streamCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	endpoint := c.baseURL + "/api/v2/runs/" + url.PathEscape(runID) + "/logs/stream"
	request, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	request.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	response, err := c.client.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return "", decodePlatformError(response.StatusCode, payload)
	}

	var lines []string
	reader := bufio.NewReader(response.Body)
	for {
		line, err := readSSEData(reader)
		if err != nil {
			// Deadline or stream end: hand back whatever was gathered.
			if len(lines) > 0 {
				return strings.Join(lines, "\n"), nil
			}
			if err == io.EOF {
				return "", nil
			}
			return "", err
		}
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if c.predicate(line) {
			return strings.Join(lines, "\n"), nil
		}
	}
}

// readSSEData reads one SSE event and returns its data payload. Multiple
// data: lines within one event are joined with newlines; comment and other
// fields are ignored.
func readSSEData(reader *bufio.Reader) (string, error) {
	var data []string
	for {
		raw, err := reader.ReadString('\n')
		if err != nil {
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			return "", err
		}
		line := strings.TrimRight(raw, "\r\n")
		if line == "" {
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(value, " "))
		}
	}
}
