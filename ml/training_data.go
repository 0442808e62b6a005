package ml

import (
	"context"
	"errors"

	"transitscope/archive"
	"transitscope/lightcurve"
)

// BuildTrainingSet fetches the given catalog ids from the synthetic archive,
// detrends each curve, and labels it from the generator's own draw. Labels
// are 1 for curves with an injected transit and 0 otherwise.
func BuildTrainingSet(ctx context.Context, gen *archive.Synthetic, ids []string) ([]lightcurve.Curve, []int, error) {
	if gen == nil {
		return nil, nil, errors.New("generator is required")
	}
	if len(ids) == 0 {
		return nil, nil, errors.New("no catalog ids given")
	}

	curves := make([]lightcurve.Curve, 0, len(ids))
	labels := make([]int, 0, len(ids))
	for _, id := range ids {
		curve, err := gen.Fetch(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		label := 0
		if gen.Params(id).HasTransit {
			label = 1
		}
		curves = append(curves, lightcurve.Detrend(curve))
		labels = append(labels, label)
	}
	return curves, labels, nil
}
