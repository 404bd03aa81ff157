// internal/monitoring/thresholds.go
package monitoring

import (
	"linkpulse/internal/config"
	"linkpulse/internal/database"
	"linkpulse/internal/notifications"
)

// EvaluateThresholds lists the thresholds a successful measurement
// violates. A zero threshold is disabled.
func EvaluateThresholds(r *database.BandwidthResult, t config.Thresholds) []notifications.Breach {
	if r == nil || r.Failed() {
		return nil
	}

	var breaches []notifications.Breach
	if t.MinDownload > 0 && r.Download < t.MinDownload {
		breaches = append(breaches, notifications.Breach{Metric: "download", Observed: r.Download, Limit: t.MinDownload})
	}
	if t.MinUpload > 0 && r.Upload < t.MinUpload {
		breaches = append(breaches, notifications.Breach{Metric: "upload", Observed: r.Upload, Limit: t.MinUpload})
	}
	if t.MaxPing > 0 && r.Ping > t.MaxPing {
		breaches = append(breaches, notifications.Breach{Metric: "ping", Observed: r.Ping, Limit: t.MaxPing})
	}
	return breaches
}
