package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/renderflow/broker/internal/config"
)

type pingStub struct{ err error }

func (p pingStub) Ping(ctx context.Context) error { return p.err }

func TestBuildRouter_Health(t *testing.T) {
	r := BuildRouter(config.Config{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildRouter_ReadyAllHealthy(t *testing.T) {
	checks := []DependencyCheck{{Name: "job_store", ping: pingStub{}}}
	r := BuildRouter(config.Config{}, checks)
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildRouter_ReadyDegraded(t *testing.T) {
	checks := []DependencyCheck{{Name: "tier_queue", ping: pingStub{err: errors.New("down")}}}
	r := BuildRouter(config.Config{}, checks)
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestParseOrigins(t *testing.T) {
	require.Equal(t, []string{"*"}, ParseOrigins(""))
	require.Equal(t, []string{"*"}, ParseOrigins("*"))
	require.Equal(t, []string{"https://a.com", "https://b.com"}, ParseOrigins("https://a.com, https://b.com"))
}
