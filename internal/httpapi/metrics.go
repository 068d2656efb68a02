package httpapi

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the one instrument §4.11 calls out as distinct from the SSE
// envelope's own accounting: rejections are counted separately from the
// three terminal states the envelope tracks. Grounded on
// internal/sse.Metrics' construction pattern.
type Metrics struct {
	RejectionsTotal metric.Int64Counter
}

const scopeName = "chatty/httpapi"

// NewMetrics builds the endpoint's instruments against meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	rejections, err := meter.Int64Counter("chatty.http.rejections_total",
		metric.WithDescription("Chat requests rejected before admission, by reason"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	return &Metrics{RejectionsTotal: rejections}, nil
}
