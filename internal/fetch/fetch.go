// Package fetch performs the actual image transfer.
//
// The scheduler consumes it through the Executor interface; the concrete
// implementation talks to a Docker-compatible daemon over its unix socket and
// folds the progress stream into an Outcome. Nothing in here touches the job
// store except RecordOutcome.
package fetch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Executor pulls one image. Implementations must be safe for concurrent use;
// the dispatcher calls Execute from many tasks at once.
type Executor interface {
	Execute(ctx context.Context, image string) (*Outcome, error)
}

// LayerProgress is the high-water mark observed for one layer.
type LayerProgress struct {
	ID      string `json:"id"`
	Current uint64 `json:"current"`
	Total   uint64 `json:"total"`
}

// Outcome summarizes a finished pull.
type Outcome struct {
	// BytesTransferred is the sum of layer totals when known, else the sum
	// of observed high-water marks.
	BytesTransferred uint64
	Elapsed          time.Duration
	CacheHit         bool
	Layers           []LayerProgress

	// Log is the status-line transcript of the pull, stored into the job
	// result on success.
	Log string
}

// Summary renders the one-line result header.
func (o *Outcome) Summary(image string) string {
	if o.CacheHit {
		return fmt.Sprintf("pulled %s: cache hit (%s)", image, o.Elapsed.Round(time.Millisecond))
	}
	return fmt.Sprintf("pulled %s: %s in %s (%d layers)",
		image, humanize.Bytes(o.BytesTransferred), o.Elapsed.Round(time.Millisecond), len(o.Layers))
}

// Speed returns average throughput in megabits per second.
func (o *Outcome) Speed() float64 {
	ms := float64(o.Elapsed.Milliseconds())
	if ms <= 0 {
		return 0
	}
	return float64(o.BytesTransferred) * 8 / (ms / 1000) / 1_000_000
}

// foldLayers converts the high-water map into a stable slice and totals.
func foldLayers(layers map[string]*LayerProgress) ([]LayerProgress, uint64) {
	out := make([]LayerProgress, 0, len(layers))
	var sumCur, sumTot uint64
	for _, lp := range layers {
		out = append(out, *lp)
		sumCur += lp.Current
		sumTot += lp.Total
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	bytes := sumTot
	if bytes == 0 {
		bytes = sumCur
	}
	return out, bytes
}

// RegistryHost extracts the destination registry from an image reference.
//
// Docker heuristic: if the first path component contains '.' or ':' or equals
// "localhost", treat it as an explicit registry; otherwise the reference is
// implicitly on docker.io. Known false positives (a repo segment with a
// port-like colon) are accepted for wire compatibility with the reference
// grammar the daemon itself applies.
func RegistryHost(image string) string {
	first, _, found := strings.Cut(image, "/")
	if found && (strings.ContainsAny(first, ".:") || first == "localhost") {
		return first
	}
	return "docker.io"
}
