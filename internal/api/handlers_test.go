package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"imgfetchd/internal/model"
	"imgfetchd/internal/store"
	logx "imgfetchd/pkg/logx"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	srv := New(Config{Port: 0, DefaultMaxAttempts: 3}, st, logx.Nop())
	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return ts, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestSubmitJob(t *testing.T) {
	ts, st := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/jobs", map[string]any{"image": "alpine:latest", "priority": 2})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	env := decode[struct {
		Success bool `json:"success"`
		Data    struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	}](t, resp)

	if !env.Success || env.Data.ID == "" || env.Data.Status != "queued" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	j, err := st.GetJob(context.Background(), env.Data.ID)
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	if j.Priority != 2 || j.MaxAttempts != 3 {
		t.Fatalf("submission fields lost: %+v", j)
	}
}

func TestSubmitJobValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/jobs", map[string]any{"image": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty image: status = %d, want 400", resp.StatusCode)
	}
	env := decode[model.ErrorResponse](t, resp)
	if env.Success || env.StatusCode != 400 {
		t.Fatalf("unexpected error envelope: %+v", env)
	}

	// Oversized body.
	big := bytes.Repeat([]byte("x"), maxBodyBytes+100)
	resp2, err := http.Post(ts.URL+"/api/v1/jobs", "application/json",
		bytes.NewReader(append([]byte(`{"image":"`), append(big, []byte(`"}`)...)...)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized body: status = %d, want 400", resp2.StatusCode)
	}
}

func TestGetJob(t *testing.T) {
	ts, st := newTestServer(t)

	j, _ := st.CreateJob(context.Background(), "alpine:latest", 0, 3)

	resp, err := http.Get(ts.URL + "/api/v1/jobs/" + j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	env := decode[struct {
		Data model.Job `json:"data"`
	}](t, resp)
	if env.Data.ID != j.ID || env.Data.Image != "alpine:latest" {
		t.Fatalf("unexpected job: %+v", env.Data)
	}

	resp404, err := http.Get(ts.URL + "/api/v1/jobs/does-not-exist")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	defer resp404.Body.Close()
	if resp404.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job: status = %d, want 404", resp404.StatusCode)
	}
}

func TestListJobs(t *testing.T) {
	ts, st := newTestServer(t)

	for i := 0; i < 3; i++ {
		if _, err := st.CreateJob(context.Background(), fmt.Sprintf("img:%d", i), 0, 3); err != nil {
			t.Fatalf("create: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	resp, err := http.Get(ts.URL + "/api/v1/jobs")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	env := decode[struct {
		Data []model.JobSummary `json:"data"`
	}](t, resp)
	if len(env.Data) != 3 {
		t.Fatalf("len = %d, want 3", len(env.Data))
	}
	if env.Data[0].Image != "img:2" {
		t.Fatalf("not newest-first: %+v", env.Data)
	}
}

func TestJobMetricsEndpoint(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()

	j, _ := st.CreateJob(ctx, "alpine:latest", 0, 3)
	labels := `{"registry_host":"docker.io"}`
	if err := st.PutMetric(ctx, j.ID, "image_size_bytes", 1024, nil, &labels); err != nil {
		t.Fatalf("put metric: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/v1/jobs/" + j.ID + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	env := decode[struct {
		Data []struct {
			Key    string         `json:"key"`
			Value  float64        `json:"value"`
			Labels map[string]any `json:"labels"`
		} `json:"data"`
	}](t, resp)

	if len(env.Data) != 1 {
		t.Fatalf("len = %d, want 1", len(env.Data))
	}
	m := env.Data[0]
	if m.Key != "image_size_bytes" || m.Value != 1024 {
		t.Fatalf("unexpected metric: %+v", m)
	}
	if m.Labels["registry_host"] != "docker.io" {
		t.Fatalf("labels not decoded: %+v", m.Labels)
	}
}

func TestRecentMetricsEndpoint(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()

	j, _ := st.CreateJob(ctx, "alpine:latest", 0, 3)
	for i, key := range []string{"k1", "k2", "k3"} {
		if err := st.PutMetric(ctx, j.ID, key, float64(i), nil, nil); err != nil {
			t.Fatalf("put: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	resp, err := http.Get(ts.URL + "/api/v1/metrics/recent?limit=2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	env := decode[struct {
		Data []struct {
			Key string `json:"key"`
		} `json:"data"`
	}](t, resp)
	if len(env.Data) != 2 {
		t.Fatalf("limit ignored: %d rows", len(env.Data))
	}
}

func TestUnknownRoute(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, path := range []string{"/health", "/api/v1/health"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status = %d", path, resp.StatusCode)
		}
	}
}
