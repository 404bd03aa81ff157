// internal/database/models.go
package database

import (
	"time"
)

// BandwidthResult is one speed test run. Failed runs keep zero metrics
// and carry Error and ErrorKind.
type BandwidthResult struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Download        float64   `json:"download"` // Mbps
	Upload          float64   `json:"upload"`   // Mbps
	Ping            float64   `json:"ping"`     // ms
	Jitter          float64   `json:"jitter"`
	DownloadLatency float64   `json:"downloadLatency"`
	UploadLatency   float64   `json:"uploadLatency"`
	Server          string    `json:"server,omitempty"`
	ISP             string    `json:"isp,omitempty"`
	ResultURL       string    `json:"resultUrl,omitempty"`
	DownloadBytes   *int64    `json:"downloadBytes,omitempty"`
	UploadBytes     *int64    `json:"uploadBytes,omitempty"`
	Error           string    `json:"error,omitempty"`
	ErrorKind       string    `json:"errorKind,omitempty"`
}

func (r *BandwidthResult) Failed() bool {
	return r.Error != ""
}

// LiveHealth is the latest probe and hysteresis state of a monitored host.
type LiveHealth struct {
	Address              string     `json:"address"`
	Name                 string     `json:"name"`
	Ping                 float64    `json:"ping"` // -1 when unreachable
	Timestamp            time.Time  `json:"timestamp"`
	IsDown               bool       `json:"isDown"`
	ConsecutiveFailures  int        `json:"consecutiveFailures"`
	ConsecutiveSuccesses int        `json:"consecutiveSuccesses"`
	LastNotificationTime *time.Time `json:"lastNotificationTime,omitempty"`
}

// LiveSample is one point of a host's latency history.
type LiveSample struct {
	Address   string    `json:"address"`
	Name      string    `json:"name"`
	Ping      float64   `json:"ping"`
	Timestamp time.Time `json:"timestamp"`
}

// Usage is the data consumed by speed tests over a period.
type Usage struct {
	DownloadBytes int64 `json:"downloadBytes"`
	UploadBytes   int64 `json:"uploadBytes"`
	TotalBytes    int64 `json:"totalBytes"`
	Tests         int   `json:"tests"`
}

func (u *Usage) add(r *BandwidthResult) {
	if r.DownloadBytes == nil && r.UploadBytes == nil {
		return
	}
	if r.DownloadBytes != nil {
		u.DownloadBytes += *r.DownloadBytes
	}
	if r.UploadBytes != nil {
		u.UploadBytes += *r.UploadBytes
	}
	u.TotalBytes = u.DownloadBytes + u.UploadBytes
	u.Tests++
}
