package hosts

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/NodePath81/fbspeed/internal/config"
	st "github.com/showwin/speedtest-go/speedtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validServer(name string) Server {
	return Server{
		Name:         name,
		BaseURL:      "http://" + name + ".example.com",
		DownloadPath: "garbage.php",
		UploadPath:   "empty.php",
		PingPath:     "empty.php",
		IPPath:       "getIP.php",
	}
}

func TestValidateNormalizes(t *testing.T) {
	s, err := Validate(Server{
		Name:         " Frankfurt ",
		BaseURL:      "//speed.example.com/backend",
		DownloadPath: "garbage.php",
		UploadPath:   "/empty.php",
		PingPath:     "empty.php",
	})
	require.NoError(t, err)
	assert.Equal(t, "Frankfurt", s.Name)
	assert.Equal(t, "https://speed.example.com/backend/", s.BaseURL)
	assert.Equal(t, "https://speed.example.com/backend/garbage.php", s.DownloadURL())
	assert.Equal(t, "https://speed.example.com/backend/empty.php", s.UploadURL())
	assert.Equal(t, "https://speed.example.com/backend/empty.php", s.PingURL())
	assert.Empty(t, s.IPURL())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Server){
		"no name":     func(s *Server) { s.Name = "" },
		"no base":     func(s *Server) { s.BaseURL = " " },
		"ftp base":    func(s *Server) { s.BaseURL = "ftp://files.example.com/" },
		"no host":     func(s *Server) { s.BaseURL = "http:///" },
		"no download": func(s *Server) { s.DownloadPath = "" },
		"no upload":   func(s *Server) { s.UploadPath = "" },
		"no ping":     func(s *Server) { s.PingPath = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := validServer("a")
			mutate(&s)
			_, err := Validate(s)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestAbsolutePathIsKept(t *testing.T) {
	s := validServer("a")
	s.DownloadPath = "https://cdn.example.net/10MB.bin"
	assert.Equal(t, "https://cdn.example.net/10MB.bin", s.DownloadURL())
}

func TestCandidatePingWrittenOnce(t *testing.T) {
	c := NewCandidates([]Server{validServer("a")})[0]
	_, ok := c.Ping()
	assert.False(t, ok)

	var wg sync.WaitGroup
	var wins int32
	var mu sync.Mutex
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if c.SetPing(time.Duration(i) * time.Millisecond) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	c.ResetPing()
	assert.True(t, c.SetPing(45*time.Millisecond))
	ms, ok := c.PingMillis()
	require.True(t, ok)
	assert.InDelta(t, 45.0, ms, 1e-9)
}

func TestRegistryAddAndSelect(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Add(validServer("a")))
	require.NoError(t, r.AddAll([]Server{validServer("b"), validServer("c")}))
	assert.Equal(t, 3, r.Len())

	replaced := validServer("b")
	replaced.PingPath = "ping"
	require.NoError(t, r.Add(replaced))
	got, ok := r.Find("b")
	require.True(t, ok)
	assert.Equal(t, "ping", got.PingPath)
	assert.Equal(t, 3, r.Len())

	bad := validServer("d")
	bad.UploadPath = ""
	assert.ErrorIs(t, r.AddAll([]Server{validServer("e"), bad}), ErrInvalidDefinition)
	assert.Equal(t, 3, r.Len(), "a failing batch must not register anything")

	_, err := r.Selected()
	assert.ErrorIs(t, err, ErrNoServerSelected)
	require.NoError(t, r.SetSelected(validServer("c")))
	sel, err := r.Selected()
	require.NoError(t, err)
	assert.Equal(t, "c", sel.Name)

	r.Reset()
	assert.Zero(t, r.Len())
}

func TestRegistryLoadList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
  {"name":"Amsterdam","server":"//ams.example.com/","dlURL":"garbage.php","ulURL":"empty.php","pingURL":"empty.php","getIpURL":"getIP.php","id":"1","sponsorName":"Lab"},
  {"name":"Tokyo","server":"http://tyo.example.com","dlURL":"backend/garbage.php","ulURL":"backend/empty.php","pingURL":"backend/empty.php","getIpURL":"backend/getIP.php"}
]`))
	}))
	defer srv.Close()

	r := NewRegistry(srv.Client())
	list, err := r.LoadList(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "https://ams.example.com/", list[0].BaseURL)
	assert.Equal(t, "Lab", list[0].Sponsor)
	assert.Equal(t, "http://tyo.example.com/backend/getIP.php", list[1].IPURL())
	assert.Equal(t, 2, r.Len())
}

func TestRegistryLoadListErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/broken":
			_, _ = w.Write([]byte(`{not json`))
		case "/invalid":
			_, _ = w.Write([]byte(`[{"name":"x","server":"http://x/"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := NewRegistry(srv.Client())
	_, err := r.LoadList(context.Background(), srv.URL+"/broken")
	assert.Error(t, err)
	_, err = r.LoadList(context.Background(), srv.URL+"/invalid")
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	_, err = r.LoadList(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
	assert.Zero(t, r.Len())
}

func TestFromConfig(t *testing.T) {
	s := FromConfig(config.ServerConfig{Name: "n", Server: "http://n/", DLURL: "d", ULURL: "u", PingURL: "p", GetIPURL: "i"})
	assert.Equal(t, Server{Name: "n", BaseURL: "http://n/", DownloadPath: "d", UploadPath: "u", PingPath: "p", IPPath: "i"}, s)
}

type fakeLister struct {
	servers st.Servers
	err     error
}

func (f fakeLister) FetchServerListContext(context.Context) (st.Servers, error) {
	return f.servers, f.err
}

func TestDiscoverOrdersByDistance(t *testing.T) {
	d := &Discoverer{max: 2, lister: fakeLister{servers: st.Servers{
		{ID: "3", Name: "Far", Sponsor: "ISP C", URL: "http://far.example.com:8080/speedtest/upload.php", Distance: 900},
		{ID: "1", Name: "Near", Sponsor: "ISP A", URL: "http://near.example.com:8080/speedtest/upload.php", Distance: 10},
		{ID: "2", Name: "Mid", URL: "http://mid.example.com/speedtest/upload.php", Distance: 300},
		{ID: "4", Name: "Broken"},
	}}}

	list, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ISP A (Near)", list[0].Name)
	assert.Equal(t, "http://near.example.com:8080/speedtest/random4000x4000.jpg", list[0].DownloadURL())
	assert.Equal(t, "http://near.example.com:8080/speedtest/upload.php", list[0].UploadURL())
	assert.Equal(t, "http://near.example.com:8080/speedtest/latency.txt", list[0].PingURL())
	assert.Equal(t, "Mid", list[1].Name)
}

func TestDiscoverErrors(t *testing.T) {
	d := &Discoverer{lister: fakeLister{err: errors.New("offline")}}
	_, err := d.Discover(context.Background())
	assert.Error(t, err)

	d = &Discoverer{lister: fakeLister{servers: st.Servers{{Name: "no url"}}}}
	_, err = d.Discover(context.Background())
	assert.Error(t, err)
}
