package enrich

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fleetlens/fleetlens/internal/aggregate"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() (*aggregate.Descriptor, *aggregate.Result) {
	desc := &aggregate.Descriptor{
		Dataset: "gps_points",
		GroupBy: []aggregate.Grouping{{Field: "area"}},
		Metric:  aggregate.Metric{Fn: aggregate.FnAvg, Field: "spd"},
	}
	res := &aggregate.Result{
		Dataset: "gps_points",
		Version: 3,
		Buckets: []aggregate.Bucket{
			{Key: []string{"Center"}, Value: 12.4},
			{Key: []string{"North"}, Value: 8.1},
		},
		RowsScanned: 100,
		RowsMatched: 100,
	}
	return desc, res
}

func TestSummarize(t *testing.T) {
	var gotAuth string
	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Speeds peak in the center."}}]}`))
	}))
	defer srv.Close()

	c := New(Config{Enabled: true, Endpoint: srv.URL + "/v1", APIKey: "sk-test"}, zerolog.Nop())
	desc, res := sampleResult()

	summary, err := c.Summarize(context.Background(), desc, res)
	require.NoError(t, err)
	assert.Equal(t, "Speeds peak in the center.", summary)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, 0.3, gotReq["temperature"])

	msgs := gotReq["messages"].([]any)
	prompt := msgs[1].(map[string]any)["content"].(string)
	assert.True(t, strings.Contains(prompt, "Center"))
	assert.True(t, strings.Contains(prompt, "avg"))
}

func TestSummarizeDisabled(t *testing.T) {
	c := New(Config{Enabled: false}, zerolog.Nop())
	desc, res := sampleResult()
	_, err := c.Summarize(context.Background(), desc, res)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSummarizeEndpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{Enabled: true, Endpoint: srv.URL}, zerolog.Nop())
	desc, res := sampleResult()
	_, err := c.Summarize(context.Background(), desc, res)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSummarizeEmptyCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := New(Config{Enabled: true, Endpoint: srv.URL}, zerolog.Nop())
	desc, res := sampleResult()
	_, err := c.Summarize(context.Background(), desc, res)
	assert.ErrorIs(t, err, ErrUnavailable)
}
