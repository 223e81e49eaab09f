package fetcher

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/topographica/livemap/internal/fetcher"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
