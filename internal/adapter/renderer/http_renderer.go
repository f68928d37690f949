// Package renderer implements domain.Renderer's RENDER stage (spec §4.4) by
// delegating to an external headless render engine over HTTP: the pipeline
// starts a render job on the engine, then polls it for frame progress until
// it reports a terminal state, invoking the caller's per-frame callback
// along the way.
package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/renderflow/broker/internal/domain"
)

// HTTPRenderer drives an external render engine reachable at baseURL (e.g.
// http://renderer:8082). The render engine owns GPU-disabled (swangle)
// execution and composition selection; this adapter only shuttles the
// request and polls for progress.
type HTTPRenderer struct {
	client       *http.Client
	baseURL      string
	pollInterval time.Duration
}

// New builds an HTTPRenderer targeting baseURL.
func New(baseURL string, pollInterval time.Duration) *HTTPRenderer {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &HTTPRenderer{client: &http.Client{}, baseURL: baseURL, pollInterval: pollInterval}
}

type startRenderRequest struct {
	BundleURL      string `json:"bundle_url"`
	Composition    string `json:"composition"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	FPS            int    `json:"fps"`
	DurationFrames int    `json:"duration_frames"`
	Codec          string `json:"codec"`
	OutputPath     string `json:"output_path"`
	GPUDisabled    bool   `json:"gpu_disabled"`
}

type startRenderResponse struct {
	RenderID string `json:"render_id"`
}

type renderStatusResponse struct {
	Done         bool   `json:"done"`
	Failed       bool   `json:"failed"`
	Error        string `json:"error,omitempty"`
	CurrentFrame int    `json:"current_frame"`
	TotalFrames  int    `json:"total_frames"`
}

// Render submits req to the render engine and polls until it finishes,
// reporting each observed frame advance through req.OnFrame.
func (r *HTTPRenderer) Render(ctx context.Context, req domain.RenderRequest) error {
	renderID, err := r.start(ctx, req)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	lastFrame := -1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			status, err := r.poll(ctx, renderID)
			if err != nil {
				return err
			}
			if status.CurrentFrame != lastFrame && req.OnFrame != nil {
				lastFrame = status.CurrentFrame
				req.OnFrame(status.CurrentFrame, status.TotalFrames)
			}
			if status.Failed {
				return fmt.Errorf("op=renderer.render: %s", status.Error)
			}
			if status.Done {
				return nil
			}
		}
	}
}

func (r *HTTPRenderer) start(ctx context.Context, req domain.RenderRequest) (string, error) {
	body, err := json.Marshal(startRenderRequest{
		BundleURL:      req.BundleURL,
		Composition:    req.Composition,
		Width:          req.Settings.Width,
		Height:         req.Settings.Height,
		FPS:            req.Settings.FPS,
		DurationFrames: req.Settings.DurationFrames,
		Codec:          req.Settings.Format.Codec(),
		OutputPath:     req.OutputPath,
		GPUDisabled:    true,
	})
	if err != nil {
		return "", fmt.Errorf("op=renderer.start.marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/renders", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("op=renderer.start.request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("op=renderer.start.do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("op=renderer.start: unexpected status %d", resp.StatusCode)
	}

	var out startRenderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("op=renderer.start.decode: %w", err)
	}
	return out.RenderID, nil
}

func (r *HTTPRenderer) poll(ctx context.Context, renderID string) (*renderStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/renders/"+renderID, nil)
	if err != nil {
		return nil, fmt.Errorf("op=renderer.poll.request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=renderer.poll.do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("op=renderer.poll: unexpected status %d", resp.StatusCode)
	}

	var out renderStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("op=renderer.poll.decode: %w", err)
	}
	return &out, nil
}
