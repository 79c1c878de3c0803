// Package hostbridge talks to the editor-side bridge script over HTTP. The
// bridge exposes the host's timeline scripting API as small JSON endpoints.
package hostbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/forPelevin/silencecut/internal/otio"
	"github.com/forPelevin/silencecut/internal/ports"
	"github.com/forPelevin/silencecut/internal/types"
)

const requestTimeout = 60 * time.Second

type Adapter struct {
	token   string
	baseURL string
	client  *http.Client
}

var (
	_ ports.SnapshotSource = (*Adapter)(nil)
	_ ports.TimelineAPI    = (*Adapter)(nil)
)

func New(baseURL, token string) *Adapter {
	return &Adapter{
		token:   token,
		baseURL: normalizeBaseURL(baseURL),
		client:  &http.Client{Timeout: 2 * requestTimeout},
	}
}

func (a *Adapter) Snapshot(ctx context.Context) (types.ProjectSnapshot, error) {
	var snap types.ProjectSnapshot
	if err := a.call(ctx, http.MethodGet, "/snapshot", nil, &snap); err != nil {
		return types.ProjectSnapshot{}, err
	}
	return snap, nil
}

func (a *Adapter) ExportTimeline(ctx context.Context) (otio.Timeline, error) {
	var tl otio.Timeline
	if err := a.call(ctx, http.MethodGet, "/timeline/export", nil, &tl); err != nil {
		return otio.Timeline{}, err
	}
	return tl, nil
}

func (a *Adapter) MediaReference(ctx context.Context, path string) (ports.MediaRef, error) {
	var out struct {
		Ref ports.MediaRef `json:"ref"`
	}
	if err := a.call(ctx, http.MethodGet, "/media?path="+url.QueryEscape(path), nil, &out); err != nil {
		return "", err
	}
	if out.Ref == "" {
		return "", fmt.Errorf("hostbridge: no media pool item for %q", path)
	}
	return out.Ref, nil
}

func (a *Adapter) AppendClips(ctx context.Context, clips []ports.AppendClip) ([][]ports.ItemHandle, error) {
	var out struct {
		Handles [][]ports.ItemHandle `json:"handles"`
	}
	if err := a.call(ctx, http.MethodPost, "/timeline/append", map[string]any{"clips": clips}, &out); err != nil {
		return nil, err
	}
	if len(out.Handles) != len(clips) {
		return out.Handles, fmt.Errorf("hostbridge: appended %d of %d clips", len(out.Handles), len(clips))
	}
	return out.Handles, nil
}

func (a *Adapter) DeleteClips(ctx context.Context, handles []ports.ItemHandle) error {
	return a.call(ctx, http.MethodPost, "/timeline/delete", map[string]any{"handles": handles}, nil)
}

func (a *Adapter) SetClipsLinked(ctx context.Context, handles []ports.ItemHandle) error {
	return a.call(ctx, http.MethodPost, "/timeline/link", map[string]any{"handles": handles}, nil)
}

func (a *Adapter) SetClipColor(ctx context.Context, handle ports.ItemHandle, color string) error {
	return a.call(ctx, http.MethodPost, "/timeline/color", map[string]any{"handle": handle, "color": color}, nil)
}

func (a *Adapter) TrackItems(ctx context.Context) ([]ports.PlacedItem, error) {
	var out struct {
		Items []ports.PlacedItem `json:"items"`
	}
	if err := a.call(ctx, http.MethodGet, "/timeline/items", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (a *Adapter) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("hostbridge %s %s: timeout after %s", method, path, requestTimeout)
		}
		return fmt.Errorf("hostbridge %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rb, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if readErr != nil {
			return fmt.Errorf("hostbridge %s %s: status %d and read body failed: %v", method, path, resp.StatusCode, readErr)
		}
		return &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   truncate(redactSecrets(string(rb), a.token), 400),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("hostbridge %s %s: decode: %w", method, path, err)
	}
	return nil
}

// StatusError is a non-2xx bridge response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hostbridge %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var (
	bearerTokenRE = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._-]+\b`)
	authHeaderRE  = regexp.MustCompile(`(?i)(authorization\s*[:=]\s*)([^\n\r,;]+)`)
	tokenFieldRE  = regexp.MustCompile(`(?i)(token\s*[:=]\s*)([^\n\r,;]+)`)
)

func redactSecrets(s, token string) string {
	if s == "" {
		return s
	}
	out := s
	if token != "" {
		out = strings.ReplaceAll(out, token, "[REDACTED]")
	}
	out = bearerTokenRE.ReplaceAllString(out, "Bearer [REDACTED]")
	out = authHeaderRE.ReplaceAllString(out, "${1}[REDACTED]")
	out = tokenFieldRE.ReplaceAllString(out, "${1}[REDACTED]")
	return out
}
