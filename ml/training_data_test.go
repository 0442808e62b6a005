package ml

import (
	"context"
	"testing"

	"transitscope/archive"
)

func TestBuildTrainingSet(t *testing.T) {
	gen := archive.NewSynthetic(archive.DefaultSyntheticConfig(), 11)
	ids := archive.CatalogIDs(20)

	curves, labels, err := BuildTrainingSet(context.Background(), gen, ids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(curves) != len(ids) || len(labels) != len(ids) {
		t.Fatalf("expected %d samples, got %d curves and %d labels", len(ids), len(curves), len(labels))
	}
	for i, id := range ids {
		if labels[i] != 0 && labels[i] != 1 {
			t.Fatalf("label %d out of range: %d", i, labels[i])
		}
		want := 0
		if gen.HasTransit(id) {
			want = 1
		}
		if labels[i] != want {
			t.Fatalf("label for %s disagrees with generator: got %d want %d", id, labels[i], want)
		}
		if curves[i].Len() == 0 {
			t.Fatalf("empty curve for %s", id)
		}
	}
}

func TestBuildTrainingSetValidation(t *testing.T) {
	gen := archive.NewSynthetic(archive.DefaultSyntheticConfig(), 11)

	if _, _, err := BuildTrainingSet(context.Background(), nil, archive.CatalogIDs(1)); err == nil {
		t.Fatal("expected error for nil generator")
	}
	if _, _, err := BuildTrainingSet(context.Background(), gen, nil); err == nil {
		t.Fatal("expected error for empty id list")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := BuildTrainingSet(ctx, gen, archive.CatalogIDs(1)); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
