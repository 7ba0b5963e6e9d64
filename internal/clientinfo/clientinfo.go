// Package clientinfo asks a test server for the client's public address and
// optionally enriches it from a MaxMind database.
package clientinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/NodePath81/fbspeed/internal/hosts"
	"github.com/oschwald/maxminddb-golang"
)

// ErrNoIPEndpoint is returned for servers without an IP lookup path.
var ErrNoIPEndpoint = errors.New("server has no ip endpoint")

const maxBodyBytes = 64 << 10

type Info struct {
	IP          string `json:"ip"`
	ISP         string `json:"isp,omitempty"`
	Description string `json:"description,omitempty"`
	Country     string `json:"country,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	City        string `json:"city,omitempty"`
	ASN         uint   `json:"asn,omitempty"`
	ASOrg       string `json:"as_org,omitempty"`
}

type geoRecord struct {
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	ASN   uint   `maxminddb:"autonomous_system_number"`
	ASOrg string `maxminddb:"autonomous_system_organization"`
}

type Resolver struct {
	client *http.Client
	geo    *maxminddb.Reader
}

// NewResolver opens the GeoIP database at dbPath when it is not empty.
func NewResolver(client *http.Client, dbPath string) (*Resolver, error) {
	if client == nil {
		client = http.DefaultClient
	}
	r := &Resolver{client: client}
	if dbPath != "" {
		db, err := maxminddb.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open geoip database: %w", err)
		}
		r.geo = db
	}
	return r, nil
}

func (r *Resolver) Close() error {
	if r.geo == nil {
		return nil
	}
	return r.geo.Close()
}

// Lookup queries the server's IP endpoint. The endpoint may answer with the
// LibreSpeed JSON shape or with the bare address as text.
func (r *Resolver) Lookup(ctx context.Context, server hosts.Server) (Info, error) {
	endpoint := server.IPURL()
	if endpoint == "" {
		return Info{}, ErrNoIPEndpoint
	}
	if strings.Contains(endpoint, "?") {
		endpoint += "&isp=true"
	} else {
		endpoint += "?isp=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Info{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("client ip lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("client ip lookup: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Info{}, fmt.Errorf("client ip lookup: %w", err)
	}
	info, err := parse(body)
	if err != nil {
		return Info{}, err
	}
	r.enrich(&info)
	return info, nil
}

type libreSpeedIP struct {
	ProcessedString string          `json:"processedString"`
	RawISPInfo      json.RawMessage `json:"rawIspInfo"`
}

type rawISP struct {
	IP      string `json:"ip"`
	Org     string `json:"org"`
	Country string `json:"country"`
	City    string `json:"city"`
}

func parse(body []byte) (Info, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return Info{}, errors.New("client ip lookup: empty response")
	}
	var info Info
	var ls libreSpeedIP
	if strings.HasPrefix(text, "{") && json.Unmarshal([]byte(text), &ls) == nil {
		info.Description = ls.ProcessedString
		addr, isp, _ := strings.Cut(ls.ProcessedString, " - ")
		info.IP = strings.TrimSpace(addr)
		info.ISP = strings.TrimSpace(isp)
		var raw rawISP
		if len(ls.RawISPInfo) > 0 && json.Unmarshal(ls.RawISPInfo, &raw) == nil {
			if raw.IP != "" {
				info.IP = raw.IP
			}
			info.CountryCode = raw.Country
			info.City = raw.City
			if info.ISP == "" {
				info.ISP = raw.Org
			}
		}
	} else {
		info.IP = text
	}
	if net.ParseIP(info.IP) == nil {
		return Info{}, fmt.Errorf("client ip lookup: %q is not an ip address", info.IP)
	}
	return info, nil
}

func (r *Resolver) enrich(info *Info) {
	if r.geo == nil {
		return
	}
	ip := net.ParseIP(info.IP)
	var rec geoRecord
	if err := r.geo.Lookup(ip, &rec); err != nil {
		return
	}
	if rec.Country.ISOCode != "" {
		info.CountryCode = rec.Country.ISOCode
	}
	if name := rec.Country.Names["en"]; name != "" {
		info.Country = name
	}
	if name := rec.City.Names["en"]; name != "" {
		info.City = name
	}
	if rec.ASN != 0 {
		info.ASN = rec.ASN
		info.ASOrg = rec.ASOrg
	}
}
