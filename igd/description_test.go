// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package igd

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/pion/portmap/igd/igdtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseURL(t *testing.T, s string) *url.URL {
	t.Helper()

	u, err := url.Parse(s)
	require.NoError(t, err)

	return u
}

func TestFetchResolvesNestedService(t *testing.T) {
	gw := igdtest.NewGateway(igdtest.Config{})
	defer gw.Close()

	f := &Fetcher{}
	g, err := f.FetchURL(context.Background(), mustParseURL(t, gw.Location()))
	require.NoError(t, err)

	assert.Equal(t, ServiceWANIPConnection1, g.ServiceType)
	assert.Equal(t, gw.Server.URL+igdtest.ControlPath, g.ControlURL.String())
	assert.Equal(t, "Test Gateway", g.FriendlyName)
	assert.Equal(t, gw.UDN, g.UDN)
	assert.False(t, g.DiscoveredAt.IsZero())
	assert.False(t, g.SupportsAnyPort())
}

func TestFetchAbsoluteControlURL(t *testing.T) {
	gw := igdtest.NewGateway(igdtest.Config{
		ServiceType:        ServiceWANIPConnection2,
		AbsoluteControlURL: true,
	})
	defer gw.Close()

	f := &Fetcher{}
	g, err := f.Fetch(context.Background(), Candidate{Location: mustParseURL(t, gw.Location())})
	require.NoError(t, err)

	assert.Equal(t, gw.Server.URL+igdtest.ControlPath, g.ControlURL.String())
	assert.True(t, g.SupportsAnyPort())
}

func TestResolveGatewayPreference(t *testing.T) {
	root := &xmlRoot{
		Device: xmlDevice{
			Services: []xmlService{
				{ServiceType: ServiceWANPPPConnection1, ControlURL: "/ppp"},
			},
			Devices: []xmlDevice{{
				Services: []xmlService{
					{ServiceType: ServiceWANIPConnection1, ControlURL: ""},
					{ServiceType: ServiceWANIPConnection1, ControlURL: "ctl/ip"},
				},
			}},
		},
	}

	g, err := resolveGateway(mustParseURL(t, "http://192.168.1.1:5000/desc/root.xml"), root)
	require.NoError(t, err)
	assert.Equal(t, ServiceWANIPConnection1, g.ServiceType)
	assert.Equal(t, "http://192.168.1.1:5000/desc/ctl/ip", g.ControlURL.String())
}

func TestResolveGatewayURLBase(t *testing.T) {
	root := &xmlRoot{
		URLBase: "http://192.168.1.1:49000/",
		Device: xmlDevice{Services: []xmlService{
			{ServiceType: ServiceLegacyWANPPPConnection1, ControlURL: "/upnp/control/wanpppconn1"},
		}},
	}

	g, err := resolveGateway(mustParseURL(t, "http://192.168.1.1:5000/root.xml"), root)
	require.NoError(t, err)
	assert.Equal(t, ServiceLegacyWANPPPConnection1, g.ServiceType)
	assert.Equal(t, "http://192.168.1.1:49000/upnp/control/wanpppconn1", g.ControlURL.String())
}

func TestFetchNoCompatibleService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `<?xml version="1.0"?><root xmlns="urn:schemas-upnp-org:device-1-0"><device>`+
			`<deviceType>urn:schemas-upnp-org:device:MediaServer:1</deviceType>`+
			`<serviceList><service><serviceType>urn:schemas-upnp-org:service:ContentDirectory:1</serviceType>`+
			`<controlURL>/cd</controlURL></service></serviceList></device></root>`)
	}))
	defer srv.Close()

	_, err := (&Fetcher{}).FetchURL(context.Background(), mustParseURL(t, srv.URL))
	assert.ErrorIs(t, err, ErrNoCompatibleService)
}

func TestFetchDescriptionUnavailable(t *testing.T) {
	notFound := httptest.NewServer(http.NotFoundHandler())
	defer notFound.Close()

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, "<root><device>")
	}))
	defer garbage.Close()

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()

	for name, loc := range map[string]string{
		"status":  notFound.URL,
		"parse":   garbage.URL,
		"network": closed.URL,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := (&Fetcher{}).FetchURL(context.Background(), mustParseURL(t, loc))
			assert.ErrorIs(t, err, ErrDescriptionUnavailable)
		})
	}
}

func TestDescriptionFixtureUnmarshal(t *testing.T) {
	var root xmlRoot
	require.NoError(t, xml.Unmarshal([]byte(`<root xmlns="urn:schemas-upnp-org:device-1-0">
<URLBase>http://10.0.0.1:1780/</URLBase>
<device><friendlyName>Router</friendlyName><UDN>uuid:1</UDN>
<deviceList><device><UDN>uuid:2</UDN><serviceList><service>
<serviceType>urn:schemas-upnp-org:service:WANIPConnection:2</serviceType>
<controlURL>/ctl/IPConn</controlURL></service></serviceList></device></deviceList>
</device></root>`), &root))

	assert.Equal(t, "http://10.0.0.1:1780/", root.URLBase)
	require.Len(t, root.Device.Devices, 1)
	require.Len(t, root.Device.Devices[0].Services, 1)
	assert.Equal(t, "/ctl/IPConn", root.Device.Devices[0].Services[0].ControlURL)
}
