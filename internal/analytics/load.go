package analytics

import (
	"iter"
	"log/slog"

	"github.com/onnwee/insights/internal/eventstore"
)

// Load drains a query and decodes every record. Store errors are mapped with
// FromStore; documents that fail to decode are logged and skipped.
func Load[T any](seq iter.Seq2[eventstore.Record, error], decode func(eventstore.Record) (T, error), logger *slog.Logger) ([]T, error) {
	var out []T
	for rec, err := range seq {
		if err != nil {
			return nil, FromStore(err)
		}
		doc, err := decode(rec)
		if err != nil {
			logger.Warn("skipping malformed record",
				slog.String("stream", string(rec.Stream)),
				slog.String("id", rec.ID),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}
