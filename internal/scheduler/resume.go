package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NewHTTPResume returns a ResumeExecution that calls the process-engine
// core's internal resume endpoint. The scheduler treats the execution
// tree as opaque; all it knows is the id of the point to resume.
func NewHTTPResume(resumeURL string, timeout time.Duration) ResumeExecution {
	client := &http.Client{Timeout: timeout}

	return func(ctx context.Context, executionID string) error {
		body, err := json.Marshal(map[string]string{"execution_id": executionID})
		if err != nil {
			return fmt.Errorf("encode resume request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, resumeURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build resume request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("resume execution %s: %w", executionID, err)
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, resp.Body) // drain so the connection can be reused by the pool

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			return fmt.Errorf("resume execution %s: engine returned %d", executionID, resp.StatusCode)
		}
		return nil
	}
}
