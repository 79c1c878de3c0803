package hostbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/forPelevin/silencecut/internal/ports"
)

// ProgressSink posts progress updates as JSON to a fixed URL.
type ProgressSink struct {
	url    string
	client *http.Client
}

var _ ports.ProgressSink = (*ProgressSink)(nil)

func NewProgressSink(url string) *ProgressSink {
	return &ProgressSink{url: normalizeBaseURL(url), client: &http.Client{Timeout: 5 * time.Second}}
}

func (s *ProgressSink) Send(ctx context.Context, u ports.Update) error {
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("progress post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("progress post: status %d", resp.StatusCode)
	}
	return nil
}
