package api

import (
	"context"
	"errors"
	"time"

	"github.com/fleetlens/fleetlens/internal/aggregate"
	"github.com/fleetlens/fleetlens/internal/store"
	"github.com/gofiber/fiber/v2"
)

// tengePerUSD converts fares recorded in USD to KZT for display.
const tengePerUSD = 541.0

// dashboardHandler returns the summary metrics for the dashboard.
// GET /api/v1/metrics
//
// Sections for datasets that have no committed version yet are null
// rather than failing the whole response.
func (h *Handlers) dashboardHandler(c *fiber.Ctx) error {
	gps, err := h.gpsMetrics(c.Context())
	if err != nil {
		return respondError(c, err)
	}
	trips, err := h.tripMetrics(c.Context())
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"gps_points": gps,
		"taxi_trips": trips,
	})
}

func (h *Handlers) gpsMetrics(ctx context.Context) (fiber.Map, error) {
	count, err := h.metricValue(ctx, &aggregate.Descriptor{
		Dataset: "gps_points",
		Metric:  aggregate.Metric{Fn: aggregate.FnCount},
	})
	if err != nil {
		return nilIfMissing(err)
	}
	avgSpeed, err := h.metricValue(ctx, &aggregate.Descriptor{
		Dataset: "gps_points",
		Filters: []aggregate.Filter{{Field: "spd", Op: aggregate.OpGt, Value: 0.0}},
		Metric:  aggregate.Metric{Fn: aggregate.FnAvg, Field: "spd"},
	})
	if err != nil {
		return nil, err
	}
	maxAlt, err := h.metricValue(ctx, &aggregate.Descriptor{
		Dataset: "gps_points",
		Metric:  aggregate.Metric{Fn: aggregate.FnMax, Field: "alt"},
	})
	if err != nil {
		return nil, err
	}

	return fiber.Map{
		"total_points":   int64(count),
		"avg_speed_ms":   avgSpeed,
		"avg_speed_kmh":  avgSpeed * 3.6,
		"max_altitude_m": maxAlt,
	}, nil
}

func (h *Handlers) tripMetrics(ctx context.Context) (fiber.Map, error) {
	count, err := h.metricValue(ctx, &aggregate.Descriptor{
		Dataset: "taxi_trips",
		Metric:  aggregate.Metric{Fn: aggregate.FnCount},
	})
	if err != nil {
		return nilIfMissing(err)
	}

	avgFare, err := h.metricValue(ctx, &aggregate.Descriptor{
		Dataset: "taxi_trips",
		Metric:  aggregate.Metric{Fn: aggregate.FnAvg, Field: "total_fare"},
	})
	if err != nil {
		return nil, err
	}
	avgDuration, err := h.metricValue(ctx, &aggregate.Descriptor{
		Dataset: "taxi_trips",
		Metric:  aggregate.Metric{Fn: aggregate.FnAvg, Field: "trip_duration_min"},
	})
	if err != nil {
		return nil, err
	}
	avgDistance, err := h.metricValue(ctx, &aggregate.Descriptor{
		Dataset: "taxi_trips",
		Metric:  aggregate.Metric{Fn: aggregate.FnAvg, Field: "distance_traveled_km"},
	})
	if err != nil {
		return nil, err
	}
	surged, err := h.metricValue(ctx, &aggregate.Descriptor{
		Dataset: "taxi_trips",
		Filters: []aggregate.Filter{{Field: "surge_applied", Op: aggregate.OpEq, Value: true}},
		Metric:  aggregate.Metric{Fn: aggregate.FnCount},
	})
	if err != nil {
		return nil, err
	}

	surgePct := 0.0
	if count > 0 {
		surgePct = surged / count * 100
	}
	farePerKm := 0.0
	if avgDistance > 0 {
		farePerKm = avgFare / avgDistance
	}

	return fiber.Map{
		"total_trips":           int64(count),
		"avg_fare_usd":          avgFare,
		"avg_fare_tenge":        avgFare * tengePerUSD,
		"avg_duration_min":      avgDuration,
		"avg_distance_km":       avgDistance,
		"surge_percent":         surgePct,
		"avg_fare_per_km_usd":   farePerKm,
		"avg_fare_per_km_tenge": farePerKm * tengePerUSD,
	}, nil
}

// metricValue runs a global (ungrouped) aggregate and returns its
// single bucket value. An empty filtered set yields 0 for count and
// NaN-free 0 for the rest, matching how the dashboard displays gaps.
func (h *Handlers) metricValue(ctx context.Context, desc *aggregate.Descriptor) (float64, error) {
	res, _, err := h.svc.Query(ctx, desc)
	if err != nil {
		return 0, err
	}
	if len(res.Buckets) == 0 {
		return 0, nil
	}
	return res.Buckets[0].Value, nil
}

// nilIfMissing turns a missing-dataset error into a null section.
func nilIfMissing(err error) (fiber.Map, error) {
	if errors.Is(err, store.ErrNoDataset) || errors.Is(err, store.ErrUnknownDataset) {
		return nil, nil
	}
	return nil, err
}
