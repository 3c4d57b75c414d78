package scheduler

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReloadJob(t *testing.T) {
	job, err := ParseReloadJob("gps_points|/data/gps.csv|0 3 * * *")
	require.NoError(t, err)
	assert.Equal(t, "gps_points", job.Dataset)
	assert.Equal(t, "/data/gps.csv", job.Path)
	assert.Equal(t, "0 3 * * *", job.Schedule)
}

func TestParseReloadJobInvalid(t *testing.T) {
	for _, spec := range []string{
		"",
		"gps_points",
		"gps_points|/data/gps.csv",
		"|/data/gps.csv|0 3 * * *",
		"gps_points||0 3 * * *",
	} {
		_, err := ParseReloadJob(spec)
		assert.Error(t, err, spec)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s := New(&Config{Logger: zerolog.Nop()})
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())

	// Idempotent start.
	require.NoError(t, s.Start())

	s.Stop()
	assert.False(t, s.IsRunning())
	s.Stop()
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	s := New(&Config{
		Jobs:   []ReloadJob{{Dataset: "gps_points", Path: "/tmp/x.csv", Schedule: "not a cron"}},
		Logger: zerolog.Nop(),
	})
	assert.Error(t, s.Start())
}
