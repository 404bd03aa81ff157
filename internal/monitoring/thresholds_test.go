package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"linkpulse/internal/config"
	"linkpulse/internal/database"
	"linkpulse/internal/notifications"
)

func TestEvaluateThresholds(t *testing.T) {
	limits := config.Thresholds{MinDownload: 50, MinUpload: 10, MaxPing: 100}

	tests := []struct {
		name   string
		result database.BandwidthResult
		limits config.Thresholds
		want   []string
	}{
		{"all good", database.BandwidthResult{Download: 90, Upload: 20, Ping: 15}, limits, nil},
		{"boundaries are not breaches", database.BandwidthResult{Download: 50, Upload: 10, Ping: 100}, limits, nil},
		{"slow download", database.BandwidthResult{Download: 20, Upload: 20, Ping: 15}, limits, []string{"download"}},
		{"everything bad", database.BandwidthResult{Download: 1, Upload: 1, Ping: 500}, limits, []string{"download", "upload", "ping"}},
		{"zero disables", database.BandwidthResult{Download: 1, Upload: 1, Ping: 500}, config.Thresholds{}, nil},
		{"failed run skipped", database.BandwidthResult{Error: "boom"}, limits, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, b := range EvaluateThresholds(&tt.result, tt.limits) {
				got = append(got, b.Metric)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateThresholdsCarriesValues(t *testing.T) {
	breaches := EvaluateThresholds(&database.BandwidthResult{Download: 20, Upload: 20, Ping: 15}, config.Thresholds{MinDownload: 50})
	assert.Equal(t, []notifications.Breach{{Metric: "download", Observed: 20, Limit: 50}}, breaches)
	assert.Equal(t, "Download: 20.00 Mbps (min: 50)", breaches[0].String())
}
