package archive

import (
	"context"
	"fmt"

	"transitscope/lightcurve"
)

// Source resolves a catalog id to an observed light curve. Implementations
// must be safe for concurrent use.
type Source interface {
	Name() string
	Fetch(ctx context.Context, catalogID string) (lightcurve.Curve, error)
	HealthCheck() error
}

var (
	ErrSourceNotFound   = &SourceError{Code: "source_not_found", Message: "archive source not found"}
	ErrAllSourcesFailed = &SourceError{Code: "all_sources_failed", Message: "all archive sources failed"}
)

type SourceError struct {
	Code    string
	Message string
}

func (e *SourceError) Error() string {
	return e.Message
}

// CatalogIDs produces a deterministic list of synthetic catalog ids,
// useful for building labeled sets and benchmarks.
func CatalogIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("SYN-%06d", i)
	}
	return ids
}
