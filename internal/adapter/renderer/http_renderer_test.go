package renderer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/renderflow/broker/internal/domain"
)

func TestHTTPRenderer_PollsUntilDone(t *testing.T) {
	var polls int
	mux := http.NewServeMux()
	mux.HandleFunc("/renders", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(startRenderResponse{RenderID: "r1"})
	})
	mux.HandleFunc("/renders/r1", func(w http.ResponseWriter, r *http.Request) {
		polls++
		done := polls >= 3
		_ = json.NewEncoder(w).Encode(renderStatusResponse{
			Done: done, CurrentFrame: polls * 2, TotalFrames: 10,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rnd := New(srv.URL, 5*time.Millisecond)
	var frames []int
	err := rnd.Render(context.Background(), domain.RenderRequest{
		BundleURL: "b", Composition: "Main",
		Settings: domain.Settings{Width: 640, Height: 480, FPS: 30, DurationFrames: 10, Format: domain.FormatMP4},
		OnFrame:  func(cur, _ int) { frames = append(frames, cur) },
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(frames), 3)
}

func TestHTTPRenderer_ReportsFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/renders", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(startRenderResponse{RenderID: "r1"})
	})
	mux.HandleFunc("/renders/r1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(renderStatusResponse{Failed: true, Error: "gpu driver crash"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rnd := New(srv.URL, 5*time.Millisecond)
	err := rnd.Render(context.Background(), domain.RenderRequest{
		Settings: domain.Settings{Width: 640, Height: 480, FPS: 30, DurationFrames: 10, Format: domain.FormatMP4},
	})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "gpu driver crash"))
}
