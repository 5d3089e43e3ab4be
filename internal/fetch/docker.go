package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DockerExecutor pulls images through the Docker Engine API
// (POST /images/create) over a unix socket. The pack has no OCI client
// library, and the API is plain HTTP + JSON lines, so a pinned stdlib client
// keeps the dependency surface honest.
type DockerExecutor struct {
	client *http.Client
}

// NewDockerExecutor dials the daemon at host ("unix:///var/run/docker.sock").
func NewDockerExecutor(host string) (*DockerExecutor, error) {
	sock, ok := strings.CutPrefix(host, "unix://")
	if !ok || sock == "" {
		return nil, fmt.Errorf("fetch: unsupported docker host %q", host)
	}
	return &DockerExecutor{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", sock)
				},
			},
			// No overall timeout: a pull is unbounded; the lease is the
			// scheduling-layer timeout.
		},
	}, nil
}

// progressMessage is one JSON line of the create-image stream.
type progressMessage struct {
	Status         string `json:"status"`
	ID             string `json:"id"`
	Progress       string `json:"progress"`
	ProgressDetail struct {
		Current int64 `json:"current"`
		Total   int64 `json:"total"`
	} `json:"progressDetail"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

// Execute streams the pull and folds progress into an Outcome.
// Any daemon-side error line aborts the pull and surfaces as an error.
func (d *DockerExecutor) Execute(ctx context.Context, image string) (*Outcome, error) {
	q := url.Values{}
	q.Set("fromImage", image)
	u := "http://docker/images/create?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}

	started := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: docker daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch: create image: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	layers := map[string]*LayerProgress{}
	var transcript strings.Builder
	downloaded := false

	dec := json.NewDecoder(resp.Body)
	for {
		var msg progressMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("fetch: progress stream: %w", err)
		}

		if msg.Error != "" || msg.ErrorDetail.Message != "" {
			detail := msg.ErrorDetail.Message
			if detail == "" {
				detail = msg.Error
			}
			return nil, fmt.Errorf("fetch: pull failed: %s", detail)
		}

		if msg.Status != "" {
			transcript.WriteString(msg.Status)
			if msg.ID != "" {
				transcript.WriteString(" [")
				transcript.WriteString(msg.ID)
				transcript.WriteString("]")
			}
			if msg.Progress != "" {
				transcript.WriteString(" - ")
				transcript.WriteString(msg.Progress)
			}
			transcript.WriteString("\n")
			if strings.HasPrefix(msg.Status, "Downloading") {
				downloaded = true
			}
		}

		if msg.ID != "" && (msg.ProgressDetail.Current > 0 || msg.ProgressDetail.Total > 0) {
			lp := layers[msg.ID]
			if lp == nil {
				lp = &LayerProgress{ID: msg.ID}
				layers[msg.ID] = lp
			}
			if cur := uint64(max64(msg.ProgressDetail.Current, 0)); cur > lp.Current {
				lp.Current = cur
			}
			if tot := uint64(max64(msg.ProgressDetail.Total, 0)); tot > lp.Total {
				lp.Total = tot
			}
		}
	}

	folded, bytes := foldLayers(layers)
	return &Outcome{
		BytesTransferred: bytes,
		Elapsed:          time.Since(started),
		CacheHit:         !downloaded,
		Layers:           folded,
		Log:              transcript.String(),
	}, nil
}

func max64(v, floor int64) int64 {
	if v < floor {
		return floor
	}
	return v
}
