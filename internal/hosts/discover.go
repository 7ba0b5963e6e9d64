package hosts

import (
	"context"
	"fmt"
	"sort"
	"strings"

	st "github.com/showwin/speedtest-go/speedtest"
)

// speedtest.net servers expose fixed resource names next to upload.php.
const (
	speedtestNetDownload = "random4000x4000.jpg"
	speedtestNetUpload   = "upload.php"
	speedtestNetPing     = "latency.txt"
)

type serverLister interface {
	FetchServerListContext(ctx context.Context) (st.Servers, error)
}

// Discoverer finds candidate servers from the speedtest.net directory.
type Discoverer struct {
	lister serverLister
	max    int
}

func NewDiscoverer(max int) *Discoverer {
	return &Discoverer{lister: st.New(), max: max}
}

// Discover returns up to max servers ordered by distance from the client.
func (d *Discoverer) Discover(ctx context.Context) ([]Server, error) {
	servers, err := d.lister.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch speedtest.net servers: %w", err)
	}
	if a := servers.Available(); a != nil && len(*a) > 0 {
		servers = *a
	}
	sort.SliceStable(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })

	out := make([]Server, 0, len(servers))
	for _, s := range servers {
		if d.max > 0 && len(out) >= d.max {
			break
		}
		conv, ok := fromSpeedtestNet(s)
		if !ok {
			continue
		}
		out = append(out, conv)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("fetch speedtest.net servers: none usable")
	}
	return out, nil
}

func fromSpeedtestNet(s *st.Server) (Server, bool) {
	if s == nil || s.URL == "" {
		return Server{}, false
	}
	idx := strings.LastIndex(s.URL, "/")
	if idx < 0 {
		return Server{}, false
	}
	name := s.Name
	if s.Sponsor != "" {
		name = fmt.Sprintf("%s (%s)", s.Sponsor, s.Name)
	}
	srv, err := Validate(Server{
		Name:         name,
		BaseURL:      s.URL[:idx+1],
		DownloadPath: speedtestNetDownload,
		UploadPath:   speedtestNetUpload,
		PingPath:     speedtestNetPing,
		ID:           s.ID,
		Sponsor:      s.Sponsor,
		Country:      s.Country,
		Distance:     s.Distance,
	})
	if err != nil {
		return Server{}, false
	}
	return srv, true
}
