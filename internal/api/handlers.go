package api

import (
	"errors"
	"strconv"

	"github.com/fleetlens/fleetlens/internal/aggregate"
	"github.com/fleetlens/fleetlens/internal/catalog"
	"github.com/fleetlens/fleetlens/internal/enrich"
	"github.com/fleetlens/fleetlens/internal/loader"
	"github.com/fleetlens/fleetlens/internal/service"
	"github.com/fleetlens/fleetlens/internal/store"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Handlers wires the analytics service into the HTTP surface.
type Handlers struct {
	svc     *service.Service
	catalog *catalog.Catalog
	enrich  *enrich.Client
	logger  zerolog.Logger
}

// NewHandlers creates the API handlers. enrichClient may be nil.
func NewHandlers(svc *service.Service, cat *catalog.Catalog, enrichClient *enrich.Client, logger zerolog.Logger) *Handlers {
	return &Handlers{
		svc:     svc,
		catalog: cat,
		enrich:  enrichClient,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// Register registers all routes on the server.
func (h *Handlers) Register(s *Server) {
	app := s.GetApp()

	app.Get("/health", s.healthHandler)
	app.Get("/ready", s.readyHandler)

	v1 := app.Group("/api/v1")
	v1.Post("/query", h.queryHandler)
	v1.Get("/heatmap", h.heatmapHandler)
	v1.Get("/metrics", h.dashboardHandler)
	v1.Post("/load", h.loadUploadHandler)
	v1.Post("/load/path", h.loadPathHandler)
	v1.Get("/datasets", h.datasetsHandler)
	v1.Get("/datasets/:name", h.datasetHandler)
	v1.Get("/datasets/:name/loads", h.datasetLoadsHandler)
	v1.Get("/stats", h.statsHandler)
}

// respondError maps domain errors to HTTP statuses. Query and load
// errors about the request map to 400, missing data to 404, anything
// else to 500.
func respondError(c *fiber.Ctx, err error) error {
	var invalid *aggregate.InvalidQueryError
	var mismatch *loader.SchemaMismatchError
	var unavailable *loader.SourceUnavailableError

	switch {
	case errors.As(err, &invalid):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
			"kind":  "invalid_query",
		})
	case errors.As(err, &mismatch):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":      err.Error(),
			"kind":       "schema_mismatch",
			"missing":    mismatch.Missing,
			"unexpected": mismatch.Unexpected,
		})
	case errors.Is(err, loader.ErrEmptyDataset):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
			"kind":  "empty_dataset",
		})
	case errors.As(err, &unavailable):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
			"kind":  "source_unavailable",
		})
	case errors.Is(err, store.ErrUnknownDataset):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
			"kind":  "unknown_dataset",
		})
	case errors.Is(err, store.ErrNoDataset):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
			"kind":  "no_dataset",
		})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

// queryHandler runs an aggregate query. POST /api/v1/query
func (h *Handlers) queryHandler(c *fiber.Ctx) error {
	var desc aggregate.Descriptor
	if err := c.BodyParser(&desc); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body: " + err.Error(),
			"kind":  "invalid_query",
		})
	}

	res, cached, err := h.svc.Query(c.Context(), &desc)
	if err != nil {
		return respondError(c, err)
	}

	resp := fiber.Map{
		"result": res,
		"cached": cached,
	}

	if c.QueryBool("enrich") && h.enrich != nil {
		summary, err := h.enrich.Summarize(c.Context(), &desc, res)
		if err != nil {
			// Enrichment is best-effort; the query result stands alone.
			h.logger.Warn().Err(err).Msg("Enrichment skipped")
			resp["summary_error"] = err.Error()
		} else {
			resp["summary"] = summary
		}
	}

	return c.JSON(resp)
}

// loadUploadHandler ingests an uploaded CSV file. POST /api/v1/load
func (h *Handlers) loadUploadHandler(c *fiber.Ctx) error {
	dataset := c.Query("dataset")
	if dataset == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "dataset query parameter is required",
			"kind":  "invalid_query",
		})
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "multipart field 'file' is required: " + err.Error(),
			"kind":  "invalid_query",
		})
	}

	f, err := fh.Open()
	if err != nil {
		return respondError(c, &loader.SourceUnavailableError{Source: fh.Filename, Err: err})
	}
	defer f.Close()

	res, err := h.svc.LoadReader(c.Context(), dataset, fh.Filename, f)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

type loadPathRequest struct {
	Dataset string `json:"dataset"`
	Path    string `json:"path"`
}

// loadPathHandler ingests a CSV file from the server's filesystem.
// POST /api/v1/load/path
func (h *Handlers) loadPathHandler(c *fiber.Ctx) error {
	var req loadPathRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body: " + err.Error(),
			"kind":  "invalid_query",
		})
	}
	if req.Dataset == "" || req.Path == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "dataset and path are required",
			"kind":  "invalid_query",
		})
	}

	res, err := h.svc.Load(c.Context(), req.Dataset, req.Path)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

// datasetsHandler lists registered datasets and their current
// versions. GET /api/v1/datasets
func (h *Handlers) datasetsHandler(c *fiber.Ctx) error {
	names := h.svc.Datasets()
	out := make([]fiber.Map, 0, len(names))
	for _, name := range names {
		entry := fiber.Map{"name": name}
		info, err := h.svc.CurrentVersion(name)
		if err == nil {
			entry["current"] = info
		} else {
			entry["current"] = nil
		}
		out = append(out, entry)
	}
	return c.JSON(fiber.Map{"datasets": out})
}

// datasetHandler describes one dataset. GET /api/v1/datasets/:name
func (h *Handlers) datasetHandler(c *fiber.Ctx) error {
	name := c.Params("name")

	info, err := h.svc.CurrentVersion(name)
	if err != nil && !errors.Is(err, store.ErrNoDataset) {
		return respondError(c, err)
	}

	versions, verr := h.catalog.Versions(name)
	if verr != nil {
		return respondError(c, verr)
	}

	resp := fiber.Map{
		"name":     name,
		"versions": versions,
	}
	if err == nil {
		resp["current"] = info
	} else {
		resp["current"] = nil
	}
	return c.JSON(resp)
}

// datasetLoadsHandler returns recent load attempts.
// GET /api/v1/datasets/:name/loads?limit=20
func (h *Handlers) datasetLoadsHandler(c *fiber.Ctx) error {
	name := c.Params("name")
	limit, _ := strconv.Atoi(c.Query("limit", "20"))

	loads, err := h.catalog.Loads(name, limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"dataset": name,
		"loads":   loads,
	})
}

// statsHandler returns service statistics. GET /api/v1/stats
func (h *Handlers) statsHandler(c *fiber.Ctx) error {
	return c.JSON(h.svc.Stats())
}
