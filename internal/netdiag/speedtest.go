package netdiag

import (
	"context"
	"fmt"
	"time"

	"github.com/showwin/speedtest-go/speedtest"
)

// SpeedTestResult contains the results of a network speed test. Exposed to
// the frontend so users can triage stalled map downloads.
type SpeedTestResult struct {
	DownloadSpeed  float64 `json:"download_mbps"`
	UploadSpeed    float64 `json:"upload_mbps"`
	Ping           int64   `json:"ping_ms"`
	Jitter         int64   `json:"jitter_ms"`
	ServerName     string  `json:"server_name"`
	ServerLocation string  `json:"server_location"`
	ISP            string  `json:"isp"`
	Timestamp      string  `json:"timestamp"`
}

// RunSpeedTest performs a network speed test against the nearest server.
func RunSpeedTest() (*SpeedTestResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	user, err := speedtest.FetchUserInfo()
	if err != nil {
		return nil, fmt.Errorf("no internet connection")
	}

	serverList, err := speedtest.FetchServers()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch speed test servers")
	}

	targets, err := serverList.FindServer([]int{})
	if err != nil || len(targets) == 0 {
		return nil, fmt.Errorf("no speed test servers available")
	}
	server := targets[0]

	if err := server.PingTestContext(ctx, nil); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("speed test timed out")
		}
		return nil, fmt.Errorf("ping test failed")
	}

	if err := server.DownloadTestContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("speed test timed out during download")
		}
		return nil, fmt.Errorf("download test failed")
	}

	if err := server.UploadTestContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("speed test timed out during upload")
		}
		return nil, fmt.Errorf("upload test failed")
	}

	return &SpeedTestResult{
		DownloadSpeed:  float64(server.DLSpeed) / 1000 / 1000 * 8,
		UploadSpeed:    float64(server.ULSpeed) / 1000 / 1000 * 8,
		Ping:           server.Latency.Milliseconds(),
		Jitter:         server.Jitter.Milliseconds(),
		ServerName:     server.Name,
		ServerLocation: fmt.Sprintf("%s, %s", server.Name, server.Country),
		ISP:            user.Isp,
		Timestamp:      time.Now().Format(time.RFC3339),
	}, nil
}
