package probe

import (
	"context"

	"github.com/jaxxstorm/gatediag/internal/model"
)

// DefaultCameraEndpoints mirrors the deployment's camera routes: the hosted
// proxy, the direct HTTPS port and the direct HTTP port.
var DefaultCameraEndpoints = []string{
	"https://brana-git-dev-ivan-vondraceks-projects.vercel.app/api/camera-proxy/video",
	"https://brana-git-dev-ivan-vondraceks-projects.vercel.app/api/camera-proxy/stream.mjpg",
	"https://brana-git-dev-ivan-vondraceks-projects.vercel.app/api/camera-proxy/photo.jpg",
	"https://89.24.76.191:10443/video",
	"https://89.24.76.191:10443/stream.mjpg",
	"https://89.24.76.191:10443/video.mjpg",
	"https://89.24.76.191:10443/photo.jpg",
	"http://89.24.76.191:10180/video",
	"http://89.24.76.191:10180/stream.mjpg",
	"http://89.24.76.191:10180/video.mjpg",
	"http://89.24.76.191:10180/photo.jpg",
}

type Summary struct {
	Working []model.ProbeResult `json:"working"`
	Failed  []model.ProbeResult `json:"failed"`
	Fastest *model.ProbeResult  `json:"fastest,omitempty"`
}

// ProbeAll probes targets one after another, in order. A cancelled context
// stops the batch early; results gathered so far are returned.
func (p *Prober) ProbeAll(ctx context.Context, targets []string, each func(model.ProbeResult)) []model.ProbeResult {
	results := make([]model.ProbeResult, 0, len(targets))
	for _, target := range targets {
		if ctx.Err() != nil {
			break
		}
		result := p.Probe(ctx, target)
		if each != nil {
			each(result)
		}
		results = append(results, result)
	}
	return results
}

func Summarize(results []model.ProbeResult) Summary {
	summary := Summary{Working: []model.ProbeResult{}, Failed: []model.ProbeResult{}}
	for _, result := range results {
		if result.OK() {
			summary.Working = append(summary.Working, result)
			continue
		}
		summary.Failed = append(summary.Failed, result)
	}
	for i := range summary.Working {
		if summary.Fastest == nil || summary.Working[i].ElapsedDuration < summary.Fastest.ElapsedDuration {
			fastest := summary.Working[i]
			summary.Fastest = &fastest
		}
	}
	return summary
}
