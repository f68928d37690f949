package s3

import (
	"context"
	"strings"
	"testing"
)

func TestNoopClient_UploadReturnsPlaceholder(t *testing.T) {
	var c NoopClient
	url, err := c.Upload(context.Background(), "/tmp/out.mp4", "jobs/job1/out.mp4", "video/mp4")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !strings.HasPrefix(url, "placeholder://") {
		t.Fatalf("expected placeholder url, got %q", url)
	}
}

func TestNoopClient_PingAlwaysSucceeds(t *testing.T) {
	var c NoopClient
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestClient_PublicURL_Endpoint(t *testing.T) {
	c := &Client{bucket: "outputs", endpoint: "https://minio.local"}
	got := c.PublicURL("jobs/job1/out.mp4")
	want := "https://minio.local/outputs/jobs/job1/out.mp4"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestClient_PublicURL_DefaultAWS(t *testing.T) {
	c := &Client{bucket: "outputs"}
	got := c.PublicURL("jobs/job1/out.mp4")
	want := "https://outputs.s3.amazonaws.com/jobs/job1/out.mp4"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
