package jobs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"sort"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

// Target is one speedtest server as seen by the job.
type Target struct {
	Name     string        `json:"name"`
	Country  string        `json:"country"`
	Host     string        `json:"host"`
	Distance float64       `json:"distance_km"`
	Latency  time.Duration `json:"latency"`
	Jitter   time.Duration `json:"jitter"`

	raw *st.Server
}

// SpeedClient performs the network stages of a speedtest. Each call is one job step.
type SpeedClient interface {
	ISP(ctx context.Context) (string, error)
	// Servers returns up to n nearest servers.
	Servers(ctx context.Context, n int) ([]Target, error)
	// Ping measures latency and returns the reachable targets, best first.
	Ping(ctx context.Context, ts []Target) ([]Target, error)
	Download(ctx context.Context, t Target) (mbps float64, err error)
	Upload(ctx context.Context, t Target) (mbps float64, err error)
	Close()
}

const (
	defaultMaxConns   = 4
	defaultPingFanout = 4
)

type netSpeedClient struct {
	stc *st.Speedtest
	tr  *http.Transport
}

// NewSpeedClient returns a SpeedClient backed by speedtest.net.
// The client owns a dedicated transport that Close releases.
func NewSpeedClient() SpeedClient {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   defaultMaxConns,
		IdleConnTimeout:       10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	// avoid package-level helpers; speedtest-go keeps package-level state
	stc := st.New(st.WithUserConfig(&st.UserConfig{MaxConnections: defaultMaxConns}))
	applyHTTPClient(stc, &http.Client{Transport: tr})
	stc.SetNThread(defaultMaxConns)
	return &netSpeedClient{stc: stc, tr: tr}
}

func (c *netSpeedClient) ISP(ctx context.Context) (string, error) {
	u, err := c.stc.FetchUserInfoContext(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch user info: %w", err)
	}
	return u.Isp, nil
}

func (c *netSpeedClient) Servers(ctx context.Context, n int) ([]Target, error) {
	servers, err := c.stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, errors.New("no servers available")
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	servers = servers[:min(n, len(servers))]

	out := make([]Target, 0, len(servers))
	for _, s := range servers {
		out = append(out, targetOf(s))
	}
	return out, nil
}

func (c *netSpeedClient) Ping(ctx context.Context, ts []Target) ([]Target, error) {
	sem := make(chan struct{}, defaultPingFanout)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		pinged []Target
	)
	for _, t := range ts {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()
			if err := t.raw.PingTestContext(ctx, nil); err != nil || t.raw.Latency <= 0 {
				return
			}
			mu.Lock()
			pinged = append(pinged, targetOf(t.raw))
			mu.Unlock()
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(pinged) == 0 {
		return nil, errors.New("all latency tests failed")
	}
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })
	return pinged, nil
}

func (c *netSpeedClient) Download(ctx context.Context, t Target) (float64, error) {
	if err := t.raw.DownloadTestContext(ctx); err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	return t.raw.DLSpeed.Mbps(), nil
}

func (c *netSpeedClient) Upload(ctx context.Context, t Target) (float64, error) {
	if err := t.raw.UploadTestContext(ctx); err != nil {
		return 0, fmt.Errorf("upload: %w", err)
	}
	return t.raw.ULSpeed.Mbps(), nil
}

func (c *netSpeedClient) Close() {
	c.stc.Snapshots().Clean()
	c.stc.Reset()
	c.tr.CloseIdleConnections()
}

func targetOf(s *st.Server) Target {
	return Target{
		Name:     s.Sponsor,
		Country:  s.Country,
		Host:     s.Host,
		Distance: s.Distance,
		Latency:  s.Latency,
		Jitter:   s.Jitter,
		raw:      s,
	}
}

// applyHTTPClient installs hc on the speedtest instance through whichever
// setter or exported field the library version offers.
func applyHTTPClient(stc any, hc *http.Client) {
	switch s := stc.(type) {
	case interface{ SetHTTPClient(*http.Client) }:
		s.SetHTTPClient(hc)
		return
	case interface{ SetClient(*http.Client) }:
		s.SetClient(hc)
		return
	}

	v := reflect.ValueOf(stc)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return
	}
	for _, name := range []string{"HTTPClient", "HttpClient", "Client"} {
		f := v.Elem().FieldByName(name)
		if f.IsValid() && f.CanSet() && reflect.TypeOf(hc).AssignableTo(f.Type()) {
			f.Set(reflect.ValueOf(hc))
			return
		}
	}
}
