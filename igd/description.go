// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package igd

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pion/logging"
)

// Service types understood by this package, in order of preference.
const (
	ServiceWANIPConnection2  = "urn:schemas-upnp-org:service:WANIPConnection:2"
	ServiceWANIPConnection1  = "urn:schemas-upnp-org:service:WANIPConnection:1"
	ServiceWANPPPConnection1 = "urn:schemas-upnp-org:service:WANPPPConnection:1"

	// Pre-standard URNs from DSL Forum TR-064, still shipped by some CPE.
	ServiceLegacyWANIPConnection1  = "urn:dslforum-org:service:WANIPConnection:1"
	ServiceLegacyWANPPPConnection1 = "urn:dslforum-org:service:WANPPPConnection:1"
)

var servicePreference = []string{ //nolint:gochecknoglobals
	ServiceWANIPConnection2,
	ServiceWANIPConnection1,
	ServiceWANPPPConnection1,
	ServiceLegacyWANIPConnection1,
	ServiceLegacyWANPPPConnection1,
}

const defaultMaxDescriptionSize = 1 << 20

// Gateway is a resolved WAN connection service of an Internet Gateway Device.
// It is immutable after creation and safe for concurrent reads.
type Gateway struct {
	ControlURL     *url.URL
	ServiceType    string
	DescriptionURL *url.URL
	FriendlyName   string
	UDN            string
	DiscoveredAt   time.Time
}

// SupportsAnyPort reports whether the service defines AddAnyPortMapping.
func (g *Gateway) SupportsAnyPort() bool {
	return g.ServiceType == ServiceWANIPConnection2
}

func (g *Gateway) String() string {
	name := g.FriendlyName
	if name == "" {
		name = g.DescriptionURL.Host
	}

	return fmt.Sprintf("%s (%s at %s)", name, g.ServiceType, g.ControlURL)
}

type xmlRoot struct {
	XMLName xml.Name  `xml:"root"`
	URLBase string    `xml:"URLBase"`
	Device  xmlDevice `xml:"device"`
}

type xmlDevice struct {
	DeviceType   string       `xml:"deviceType"`
	FriendlyName string       `xml:"friendlyName"`
	UDN          string       `xml:"UDN"`
	Services     []xmlService `xml:"serviceList>service"`
	Devices      []xmlDevice  `xml:"deviceList>device"`
}

type xmlService struct {
	ServiceType string `xml:"serviceType"`
	ServiceID   string `xml:"serviceId"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
	SCPDURL     string `xml:"SCPDURL"`
}

type foundService struct {
	xmlService
	device *xmlDevice
}

// Fetcher retrieves device descriptions and resolves the WAN connection service.
type Fetcher struct {
	HTTPClient *http.Client

	// MaxBodySize limits the description size, default 1 MiB.
	MaxBodySize int64

	Logger logging.LeveledLogger
}

// Fetch resolves the description of a discovered candidate.
func (f *Fetcher) Fetch(ctx context.Context, c Candidate) (*Gateway, error) {
	return f.FetchURL(ctx, c.Location)
}

// FetchURL resolves the description found at loc. Network and parse failures are
// reported as ErrDescriptionUnavailable and not retried.
func (f *Fetcher) FetchURL(ctx context.Context, loc *url.URL) (*Gateway, error) {
	client := f.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	limit := f.MaxBodySize
	if limit <= 0 {
		limit = defaultMaxDescriptionSize
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDescriptionUnavailable, err) //nolint:errorlint
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDescriptionUnavailable, &TransportError{Op: "GET", URL: loc.String(), Err: err})
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GET %s: unexpected status %q", ErrDescriptionUnavailable, loc, resp.Status)
	}

	var root xmlRoot
	if err := xml.NewDecoder(io.LimitReader(resp.Body, limit)).Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrDescriptionUnavailable, loc, err) //nolint:errorlint
	}

	gw, err := resolveGateway(loc, &root)
	if err != nil {
		return nil, err
	}

	if f.Logger != nil {
		f.Logger.Debugf("Resolved gateway %s", gw)
	}

	return gw, nil
}

func resolveGateway(loc *url.URL, root *xmlRoot) (*Gateway, error) {
	var services []foundService
	var walk func(d *xmlDevice)
	walk = func(d *xmlDevice) {
		for _, s := range d.Services {
			services = append(services, foundService{xmlService: s, device: d})
		}
		for i := range d.Devices {
			walk(&d.Devices[i])
		}
	}
	walk(&root.Device)

	base := loc
	if urlBase := strings.TrimSpace(root.URLBase); urlBase != "" {
		u, err := url.Parse(urlBase)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid URLBase %q: %v", ErrDescriptionUnavailable, urlBase, err) //nolint:errorlint
		}
		base = loc.ResolveReference(u)
	}

	for _, serviceType := range servicePreference {
		for _, s := range services {
			if strings.TrimSpace(s.ServiceType) != serviceType {
				continue
			}

			ctrl := strings.TrimSpace(s.ControlURL)
			if ctrl == "" {
				continue
			}

			ref, err := url.Parse(ctrl)
			if err != nil {
				continue
			}

			return &Gateway{
				ControlURL:     base.ResolveReference(ref),
				ServiceType:    serviceType,
				DescriptionURL: loc,
				FriendlyName:   strings.TrimSpace(root.Device.FriendlyName),
				UDN:            strings.TrimSpace(s.device.UDN),
				DiscoveredAt:   time.Now(),
			}, nil
		}
	}

	return nil, fmt.Errorf("%w at %s", ErrNoCompatibleService, loc)
}
