package api

import (
	"strconv"

	"github.com/fleetlens/fleetlens/internal/aggregate"
	"github.com/gofiber/fiber/v2"
)

// DefaultHeatmapResolution bins coordinates to roughly city-block
// granularity (about 100m of latitude).
const DefaultHeatmapResolution = 0.001

const heatmapDataset = "gps_points"

// heatmapHandler returns [lat, lng, weight] triples binned to a grid.
// GET /api/v1/heatmap?type=density|speed|altitude&resolution=0.001
func (h *Handlers) heatmapHandler(c *fiber.Ctx) error {
	kind := c.Query("type", "density")

	resolution := DefaultHeatmapResolution
	if raw := c.Query("resolution"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "resolution must be a positive number",
				"kind":  "invalid_query",
			})
		}
		resolution = v
	}

	desc := &aggregate.Descriptor{
		Dataset: heatmapDataset,
		GroupBy: []aggregate.Grouping{
			{Field: "lat", Resolution: resolution},
			{Field: "lng", Resolution: resolution},
		},
	}

	switch kind {
	case "density":
		desc.Metric = aggregate.Metric{Fn: aggregate.FnCount}
	case "speed":
		desc.Metric = aggregate.Metric{Fn: aggregate.FnAvg, Field: "spd"}
		desc.Filters = []aggregate.Filter{{Field: "spd", Op: aggregate.OpGt, Value: 0.0}}
	case "altitude":
		desc.Metric = aggregate.Metric{Fn: aggregate.FnAvg, Field: "alt"}
		desc.Filters = []aggregate.Filter{{Field: "alt", Op: aggregate.OpGt, Value: 0.0}}
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":       "invalid heatmap type",
			"kind":        "invalid_query",
			"valid_types": []string{"density", "speed", "altitude"},
		})
	}

	res, cached, err := h.svc.Query(c.Context(), desc)
	if err != nil {
		return respondError(c, err)
	}

	points := make([][3]float64, 0, len(res.Buckets))
	for _, b := range res.Buckets {
		if len(b.Key) != 2 {
			continue
		}
		lat, err1 := strconv.ParseFloat(b.Key[0], 64)
		lng, err2 := strconv.ParseFloat(b.Key[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		points = append(points, [3]float64{lat, lng, b.Value})
	}

	return c.JSON(fiber.Map{
		"type":       kind,
		"dataset":    heatmapDataset,
		"version":    res.Version,
		"resolution": resolution,
		"truncated":  res.Truncated,
		"cached":     cached,
		"count":      len(points),
		"points":     points,
	})
}
