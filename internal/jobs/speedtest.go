package jobs

import (
	"context"
	"errors"
	"time"

	"bgjob/internal/job"
)

const DefaultSpeedtestServers = 5

// SpeedResult is the outcome of a speedtest job.
type SpeedResult struct {
	ISP          string  `json:"isp"`
	Server       string  `json:"server"`
	Country      string  `json:"country"`
	PingMs       float64 `json:"ping_ms"`
	JitterMs     float64 `json:"jitter_ms"`
	DownloadMbps float64 `json:"download_mbps"`
	UploadMbps   float64 `json:"upload_mbps"`
	Candidates   int     `json:"candidates"`
}

type speedStage struct {
	title string
	run   func(ctx context.Context, s *speedState) error
}

type speedState struct {
	client  SpeedClient
	servers int

	isp        string
	candidates []Target
	best       Target
	down, up   float64
}

var speedStages = []speedStage{
	{"user info", func(ctx context.Context, s *speedState) (err error) {
		s.isp, err = s.client.ISP(ctx)
		return err
	}},
	{"server list", func(ctx context.Context, s *speedState) (err error) {
		s.candidates, err = s.client.Servers(ctx, s.servers)
		return err
	}},
	{"ping", func(ctx context.Context, s *speedState) error {
		pinged, err := s.client.Ping(ctx, s.candidates)
		if err != nil {
			return err
		}
		if len(pinged) == 0 {
			return errors.New("no reachable servers")
		}
		s.best = pinged[0]
		return nil
	}},
	{"download", func(ctx context.Context, s *speedState) (err error) {
		s.down, err = s.client.Download(ctx, s.best)
		return err
	}},
	{"upload", func(ctx context.Context, s *speedState) (err error) {
		s.up, err = s.client.Upload(ctx, s.best)
		return err
	}},
}

// NewSpeedtest builds a job that runs one speedtest stage per step:
// user info, server list, ping, download, upload.
// The client is closed once the job finishes either way.
func NewSpeedtest(client SpeedClient, servers int, done job.DoneFunc, opts ...job.Option) *job.Job {
	if servers <= 0 {
		servers = DefaultSpeedtestServers
	}
	s := &speedState{client: client, servers: servers}
	stage := 0
	var (
		stop func() bool
		base string
	)

	step := func(ctx context.Context, j *job.Job) {
		if stop == nil {
			stop = context.AfterFunc(ctx, client.Close)
			base = j.Title()
			if base == "" {
				base = "speedtest"
			}
		}
		finish := func(result any, err error) {
			if stop() {
				client.Close()
			}
			j.SetTitle(base)
			if err != nil {
				j.Fail(err)
				return
			}
			j.Finish(result)
		}

		if err := ctx.Err(); err != nil {
			finish(nil, err)
			return
		}
		cur := speedStages[stage]
		j.SetTitle(base + ": " + cur.title)
		if err := cur.run(ctx, s); err != nil {
			finish(nil, err)
			return
		}
		stage++
		j.SetProgress(100 * stage / len(speedStages))
		if stage == len(speedStages) {
			finish(s.result(), nil)
		}
	}
	return job.New(step, done, append([]job.Option{job.WithKind("speedtest")}, opts...)...)
}

func (s *speedState) result() SpeedResult {
	return SpeedResult{
		ISP:          s.isp,
		Server:       s.best.Name,
		Country:      s.best.Country,
		PingMs:       ms(s.best.Latency),
		JitterMs:     ms(s.best.Jitter),
		DownloadMbps: s.down,
		UploadMbps:   s.up,
		Candidates:   len(s.candidates),
	}
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
