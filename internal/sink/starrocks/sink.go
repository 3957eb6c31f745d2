package starrocks

import (
	"context"
	"fmt"

	"github.com/dbmazz/dbmazz/internal/metrics"
	"github.com/dbmazz/dbmazz/internal/pipeline"
)

// Sink wires the Stream Load HTTP client together with one label generator
// per flush, so the pipeline's Accumulator can use Sink.Flush directly as a
// pipeline.FlushFunc.
type Sink struct {
	client   *Client
	counters *metrics.Counters
	labelSeq func() string
}

// NewSink returns a Sink backed by client. labelSeq generates a unique
// Stream Load label per request; StarRocks uses the label to deduplicate
// a retried request that actually succeeded server-side before the client
// observed the response.
func NewSink(client *Client, counters *metrics.Counters, labelSeq func() string) *Sink {
	return &Sink{client: client, counters: counters, labelSeq: labelSeq}
}

// Flush implements pipeline.FlushFunc: it loads each table's rows as one
// Stream Load request, continuing to the next table even if one fails, and
// returns the first error encountered.
func (s *Sink) Flush(ctx context.Context, batch pipeline.Batch) error {
	var firstErr error
	for table, rows := range batch {
		if len(rows) == 0 {
			continue
		}
		body, err := EncodeNDJSON(rows)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("encoding ndjson for %s: %w", table, err)
			}
			continue
		}

		label := fmt.Sprintf("dbmazz-%s-%s", table, s.labelSeq())
		columns := BatchColumns(rows)
		partialUpdate := BatchNeedsPartialUpdate(rows)
		if err := s.client.Load(ctx, table, body, label, columns, partialUpdate); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("loading %s: %w", table, err)
			}
			continue
		}
	}
	return firstErr
}
