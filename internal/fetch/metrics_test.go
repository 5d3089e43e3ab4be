package fetch

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"imgfetchd/internal/store"
	logx "imgfetchd/pkg/logx"
)

func TestRecordOutcome(t *testing.T) {
	st, err := store.Open(store.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	j, err := st.CreateJob(ctx, "gcr.io/project/app:1", 0, 3)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	o := &Outcome{
		BytesTransferred: 2_000_000,
		Elapsed:          2 * time.Second,
		Layers:           []LayerProgress{{ID: "a"}, {ID: "b"}, {ID: "c"}},
	}
	if err := RecordOutcome(ctx, st, j.ID, "gcr.io/project/app:1", o); err != nil {
		t.Fatalf("record: %v", err)
	}

	ms, err := st.MetricsByJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	byKey := map[string]struct {
		value  float64
		labels *string
	}{}
	for _, m := range ms {
		v := 0.0
		if m.Value != nil {
			v = *m.Value
		}
		byKey[m.Key] = struct {
			value  float64
			labels *string
		}{v, m.Labels}
	}

	if got := byKey[MetricDownloadTimeMS].value; got != 2000 {
		t.Fatalf("%s = %f, want 2000", MetricDownloadTimeMS, got)
	}
	if got := byKey[MetricImageSizeBytes].value; got != 2_000_000 {
		t.Fatalf("%s = %f, want 2000000", MetricImageSizeBytes, got)
	}
	if got := byKey[MetricLayersObserved].value; got != 3 {
		t.Fatalf("%s = %f, want 3", MetricLayersObserved, got)
	}
	if got := byKey[MetricCacheHit].value; got != 0 {
		t.Fatalf("%s = %f, want 0", MetricCacheHit, got)
	}

	labels := byKey[MetricLayersObserved].labels
	if labels == nil {
		t.Fatal("layers_observed missing labels")
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(*labels), &obj); err != nil {
		t.Fatalf("labels not JSON: %v", err)
	}
	if obj["registry_host"] != "gcr.io" {
		t.Fatalf("registry_host label = %v, want gcr.io", obj["registry_host"])
	}
}
