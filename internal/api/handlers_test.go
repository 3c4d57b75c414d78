package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/fleetlens/fleetlens/internal/aggregate"
	"github.com/fleetlens/fleetlens/internal/cache"
	"github.com/fleetlens/fleetlens/internal/catalog"
	"github.com/fleetlens/fleetlens/internal/database"
	"github.com/fleetlens/fleetlens/internal/enrich"
	"github.com/fleetlens/fleetlens/internal/loader"
	"github.com/fleetlens/fleetlens/internal/schema"
	"github.com/fleetlens/fleetlens/internal/service"
	"github.com/fleetlens/fleetlens/internal/store"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gpsCSV = "randomized_id,lat,lng,alt,spd,azm\n" +
	"a,51.13,71.42,350,12,90\n" +
	"b,51.13,71.42,351,4,90\n" +
	"c,51.07,71.40,349,0,180\n"

const taxiCSV = "trip_duration_sec,trip_duration_min,distance_traveled_km,kph,wait_time_cost,distance_cost,total_fare,num_of_passengers,surge_applied\n" +
	"600,10,5,30,1,4,6,1,true\n" +
	"1800,30,20,40,2,16,20,2,false\n"

func newTestApp(t *testing.T, enrichClient *enrich.Client) *fiber.App {
	t.Helper()
	logger := zerolog.Nop()

	db, err := database.New(&database.Config{MaxConnections: 4}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	st := store.New(db, cat, 2, logger)
	for _, sch := range schema.Presets() {
		require.NoError(t, st.Register(sch))
	}

	c, err := cache.New(64, logger)
	require.NoError(t, err)
	l := loader.New(st, cat, c, 0, logger)
	svc := service.New(st, c, l, aggregate.Options{}, logger)

	srv := NewServer(DefaultServerConfig(), logger)
	NewHandlers(svc, cat, enrichClient, logger).Register(srv)
	return srv.GetApp()
}

func uploadCSV(t *testing.T, app *fiber.App, dataset, csv string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", dataset+".csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(csv))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/load?dataset="+dataset, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

func postJSON(t *testing.T, app *fiber.App, path string, payload any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func get(t *testing.T, app *fiber.App, path string) *http.Response {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil), -1)
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, nil)
	resp := get(t, app, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestLoadAndQuery(t *testing.T) {
	app := newTestApp(t, nil)

	resp := uploadCSV(t, app, "gps_points", gpsCSV)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, float64(3), body["rows_valid"])
	assert.NotEmpty(t, body["load_id"])

	resp = postJSON(t, app, "/api/v1/query", aggregate.Descriptor{
		Dataset: "gps_points",
		GroupBy: []aggregate.Grouping{{Field: "area"}},
		Metric:  aggregate.Metric{Fn: aggregate.FnCount},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode(t, resp)
	assert.Equal(t, false, body["cached"])

	result := body["result"].(map[string]any)
	buckets := result["buckets"].([]any)
	require.Len(t, buckets, 2)
	first := buckets[0].(map[string]any)
	assert.Equal(t, []any{"North"}, first["key"].([]any))
	assert.Equal(t, float64(2), first["value"])
}

func TestQueryErrorStatuses(t *testing.T) {
	app := newTestApp(t, nil)

	// Registered but never loaded.
	resp := postJSON(t, app, "/api/v1/query", aggregate.Descriptor{
		Dataset: "gps_points",
		Metric:  aggregate.Metric{Fn: aggregate.FnCount},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "no_dataset", decode(t, resp)["kind"])

	// Unknown dataset.
	resp = postJSON(t, app, "/api/v1/query", aggregate.Descriptor{
		Dataset: "nope",
		Metric:  aggregate.Metric{Fn: aggregate.FnCount},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_dataset", decode(t, resp)["kind"])

	// Invalid descriptor.
	uploadCSV(t, app, "gps_points", gpsCSV)
	resp = postJSON(t, app, "/api/v1/query", aggregate.Descriptor{
		Dataset: "gps_points",
		Metric:  aggregate.Metric{Fn: "median", Field: "spd"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_query", decode(t, resp)["kind"])
}

func TestLoadErrorStatuses(t *testing.T) {
	app := newTestApp(t, nil)

	resp := uploadCSV(t, app, "gps_points", "wrong,header\n1,2\n")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "schema_mismatch", decode(t, resp)["kind"])

	resp = uploadCSV(t, app, "gps_points", "randomized_id,lat,lng,alt,spd,azm\n")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "empty_dataset", decode(t, resp)["kind"])

	resp = postJSON(t, app, "/api/v1/load/path", loadPathRequest{
		Dataset: "gps_points",
		Path:    filepath.Join(t.TempDir(), "missing.csv"),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "source_unavailable", decode(t, resp)["kind"])
}

func TestHeatmap(t *testing.T) {
	app := newTestApp(t, nil)
	uploadCSV(t, app, "gps_points", gpsCSV)

	resp := get(t, app, "/api/v1/heatmap?type=density&resolution=0.01")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "density", body["type"])

	points := body["points"].([]any)
	require.Len(t, points, 2)
	top := points[0].([]any)
	// Two records share a latitude bin near 51.13; count weight 2.
	assert.InDelta(t, 51.13, top[0], 0.011)
	assert.Equal(t, float64(2), top[2])

	resp = get(t, app, "/api/v1/heatmap?type=speed")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, app, "/api/v1/heatmap?type=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDashboardMetrics(t *testing.T) {
	app := newTestApp(t, nil)
	uploadCSV(t, app, "gps_points", gpsCSV)
	uploadCSV(t, app, "taxi_trips", taxiCSV)

	resp := get(t, app, "/api/v1/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)

	gps := body["gps_points"].(map[string]any)
	assert.Equal(t, float64(3), gps["total_points"])
	assert.Equal(t, 8.0, gps["avg_speed_ms"]) // (12+4)/2, zeros excluded

	trips := body["taxi_trips"].(map[string]any)
	assert.Equal(t, float64(2), trips["total_trips"])
	assert.Equal(t, 13.0, trips["avg_fare_usd"])
	assert.Equal(t, 13.0*tengePerUSD, trips["avg_fare_tenge"])
	assert.Equal(t, 50.0, trips["surge_percent"])
}

func TestDashboardMetricsBeforeLoad(t *testing.T) {
	app := newTestApp(t, nil)

	resp := get(t, app, "/api/v1/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Nil(t, body["gps_points"])
	assert.Nil(t, body["taxi_trips"])
}

func TestDatasets(t *testing.T) {
	app := newTestApp(t, nil)
	uploadCSV(t, app, "gps_points", gpsCSV)

	resp := get(t, app, "/api/v1/datasets")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	datasets := body["datasets"].([]any)
	assert.Len(t, datasets, 2)

	resp = get(t, app, "/api/v1/datasets/gps_points")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode(t, resp)
	require.NotNil(t, body["current"])
	assert.Len(t, body["versions"].([]any), 1)

	resp = get(t, app, "/api/v1/datasets/gps_points/loads")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode(t, resp)
	assert.Len(t, body["loads"].([]any), 1)

	resp = get(t, app, "/api/v1/datasets/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueryEnrichment(t *testing.T) {
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Mostly northern traffic."}}]}`)
	}))
	defer llm.Close()

	client := enrich.New(enrich.Config{Enabled: true, Endpoint: llm.URL}, zerolog.Nop())
	app := newTestApp(t, client)
	uploadCSV(t, app, "gps_points", gpsCSV)

	resp := postJSON(t, app, "/api/v1/query?enrich=true", aggregate.Descriptor{
		Dataset: "gps_points",
		GroupBy: []aggregate.Grouping{{Field: "area"}},
		Metric:  aggregate.Metric{Fn: aggregate.FnCount},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "Mostly northern traffic.", body["summary"])
}

func TestQueryEnrichmentDegrades(t *testing.T) {
	client := enrich.New(enrich.Config{Enabled: false}, zerolog.Nop())
	app := newTestApp(t, client)
	uploadCSV(t, app, "gps_points", gpsCSV)

	resp := postJSON(t, app, "/api/v1/query?enrich=true", aggregate.Descriptor{
		Dataset: "gps_points",
		Metric:  aggregate.Metric{Fn: aggregate.FnCount},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Nil(t, body["summary"])
	assert.NotEmpty(t, body["summary_error"])
	assert.NotNil(t, body["result"])
}

func TestStatsEndpoint(t *testing.T) {
	app := newTestApp(t, nil)
	uploadCSV(t, app, "gps_points", gpsCSV)

	desc := aggregate.Descriptor{
		Dataset: "gps_points",
		Metric:  aggregate.Metric{Fn: aggregate.FnCount},
	}
	postJSON(t, app, "/api/v1/query", desc)
	postJSON(t, app, "/api/v1/query", desc)

	resp := get(t, app, "/api/v1/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, float64(2), body["queries"])
	assert.Equal(t, float64(1), body["cache_served"])
}
