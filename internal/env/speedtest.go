package env

import (
	"context"
	"fmt"
	"math"
	"net"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

// SpeedtestResult is the payload of the net.speedtest program.
type SpeedtestResult struct {
	DownloadMbps  float64 `json:"download_mbps"`
	UploadMbps    float64 `json:"upload_mbps"`
	PingMs        float64 `json:"ping_ms"`
	JitterMs      float64 `json:"jitter_ms"`
	PacketLoss    float64 `json:"packet_loss,omitempty"`
	ISP           string  `json:"isp,omitempty"`
	ServerName    string  `json:"server_name,omitempty"`
	ServerCountry string  `json:"server_country,omitempty"`
	Candidates    int     `json:"candidates"`
	TestedServers int     `json:"tested_servers"`
}

// speedtestProgram measures the host's network performance.
//
// Params:
//
//	servers         candidate servers by distance (default 5)
//	full_servers    servers to run download/upload on (default 1)
//	max_connections parallel connections per test (default 4)
//	saving_mode     reduce memory usage at some accuracy cost
//	packet_loss     probe packet loss against the chosen server
func speedtestProgram(ctx context.Context, rc *Context) (any, error) {
	candidateN := rc.IntParam("servers", 5)
	fullN := rc.IntParam("full_servers", 1)
	maxConn := rc.IntParam("max_connections", 4)
	if candidateN <= 0 {
		candidateN = 5
	}
	if fullN <= 0 {
		fullN = 1
	}
	if fullN > candidateN {
		fullN = candidateN
	}
	if maxConn <= 0 {
		maxConn = 4
	}

	// Avoid package-level speedtest helpers; the library can keep global state.
	stc := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode:     rc.BoolParam("saving_mode", false),
		MaxConnections: maxConn,
	}))
	stc.SetNThread(maxConn)
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("speedtest: fetch user info: %w", err)
	}

	rc.Log("speedtest: locating nearest servers")
	rc.SetProgress(10, "locating servers")
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("speedtest: fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("speedtest: no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	if candidateN > len(servers) {
		candidateN = len(servers)
	}
	candidates := servers[:candidateN]

	// Ping sequentially; with a handful of candidates concurrency buys little.
	pinged := make([]*st.Server, 0, len(candidates))
	for _, s := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
			rc.Debugf("speedtest: ping %s failed", s.Host)
			continue
		}
		pinged = append(pinged, s)
	}
	if len(pinged) == 0 {
		return nil, fmt.Errorf("speedtest: all latency tests failed")
	}
	rc.SetProgress(30, "latency measured")
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })
	if fullN > len(pinged) {
		fullN = len(pinged)
	}

	type serverRun struct {
		server   *st.Server
		download float64
		upload   float64
		ping     time.Duration
	}
	runs := make([]serverRun, 0, fullN)
	for _, s := range pinged[:fullN] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rc.Logf("speedtest: testing via %s (%s)", s.Sponsor, s.Country)
		if err := s.DownloadTestContext(ctx); err != nil {
			rc.Debugf("speedtest: download via %s failed: %v", s.Host, err)
			continue
		}
		if err := s.UploadTestContext(ctx); err != nil {
			rc.Debugf("speedtest: upload via %s failed: %v", s.Host, err)
			continue
		}
		runs = append(runs, serverRun{
			server:   s,
			download: s.DLSpeed.Mbps(),
			upload:   s.ULSpeed.Mbps(),
			ping:     s.Latency,
		})
		// Drop per-test snapshots early to keep memory flat.
		stc.Snapshots().Clean()
		stc.Reset()
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("speedtest: full test failed for all servers")
	}
	rc.SetProgress(90, "transfer tests done")

	var dl, ul float64
	var ping time.Duration
	for _, r := range runs {
		dl += r.download
		ul += r.upload
		ping += r.ping
	}
	n := float64(len(runs))
	avgPing := ping / time.Duration(len(runs))

	// Lowest ping wins; download breaks ties.
	best := runs[0]
	for _, r := range runs[1:] {
		if r.ping < best.ping || (r.ping == best.ping && r.download > best.download) {
			best = r
		}
	}

	jitterMs := float64(best.server.Jitter.Milliseconds())
	if jitterMs <= 0 {
		jitterMs = math.Max(0.1, float64(avgPing.Milliseconds())*0.1)
	}

	res := &SpeedtestResult{
		DownloadMbps:  dl / n,
		UploadMbps:    ul / n,
		PingMs:        float64(avgPing.Milliseconds()),
		JitterMs:      jitterMs,
		ISP:           user.Isp,
		ServerName:    best.server.Sponsor,
		ServerCountry: best.server.Country,
		Candidates:    candidateN,
		TestedServers: len(runs),
	}

	if rc.BoolParam("packet_loss", false) {
		host := best.server.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		plCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		res.PacketLoss = measurePacketLoss(plCtx, host)
		cancel()
	}

	rc.Logf("speedtest: down %.1f Mbps, up %.1f Mbps, ping %.0f ms",
		res.DownloadMbps, res.UploadMbps, res.PingMs)
	return res, nil
}

func measurePacketLoss(ctx context.Context, host string) float64 {
	if host == "" {
		return 0
	}
	pla := st.NewPacketLossAnalyzer(nil)
	pl, err := pla.RunMultiWithContext(ctx, []string{host})
	if err != nil || pl == nil {
		return 0
	}
	return pl.LossPercent()
}
