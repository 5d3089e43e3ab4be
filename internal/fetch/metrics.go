package fetch

import (
	"context"
	"encoding/json"

	"imgfetchd/internal/store"
)

// Metric keys recorded for every successful pull.
const (
	MetricDownloadTimeMS = "download_time_ms"
	MetricImageSizeBytes = "image_size_bytes"
	MetricAverageSpeed   = "average_speed_mbps"
	MetricLayersObserved = "layers_observed"
	MetricCacheHit       = "cache_hit"
)

// RecordOutcome persists the derived metrics for one finished pull.
// Individual upsert failures abort early; the caller logs and moves on — a
// lost metric never fails the job itself.
func RecordOutcome(ctx context.Context, st *store.Store, jobID, image string, o *Outcome) error {
	ms := func(u string) *string { return &u }

	if err := st.PutMetric(ctx, jobID, MetricDownloadTimeMS, float64(o.Elapsed.Milliseconds()), ms("ms"), nil); err != nil {
		return err
	}
	if err := st.PutMetric(ctx, jobID, MetricImageSizeBytes, float64(o.BytesTransferred), ms("bytes"), nil); err != nil {
		return err
	}
	if err := st.PutMetric(ctx, jobID, MetricAverageSpeed, o.Speed(), ms("mbps"), nil); err != nil {
		return err
	}
	hit := 0.0
	if o.CacheHit {
		hit = 1
	}
	if err := st.PutMetric(ctx, jobID, MetricCacheHit, hit, nil, nil); err != nil {
		return err
	}

	labels, err := json.Marshal(map[string]any{
		"image":         image,
		"registry_host": RegistryHost(image),
		"layer_count":   len(o.Layers),
	})
	if err != nil {
		return err
	}
	l := string(labels)
	return st.PutMetric(ctx, jobID, MetricLayersObserved, float64(len(o.Layers)), nil, &l)
}
