// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package igdtest provides an in-process Internet Gateway Device for tests.
package igdtest

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DescriptionPath = "/rootDesc.xml"
	ControlPath     = "/ctl/IPConn"

	firstDynamicPort = 1024
)

// Key identifies a mapping on the gateway.
type Key struct {
	Protocol     string
	ExternalPort uint16
}

// Entry is a mapping held by the gateway.
type Entry struct {
	InternalClient string
	InternalPort   uint16
	Description    string
	LeaseDuration  uint32
	Refreshed      int
}

// Fault is a UPnP error returned for an action.
type Fault struct {
	Code        int
	Description string
}

// Config controls the behavior of a Gateway.
type Config struct {
	// ServiceType defaults to urn:schemas-upnp-org:service:WANIPConnection:1.
	ServiceType string

	// ExternalIP defaults to 203.0.113.5.
	ExternalIP string

	// RejectWildcard answers AddPortMapping with external port 0 with fault 716.
	// Otherwise a wildcard maps the internal port.
	RejectWildcard bool

	// AbsoluteControlURL publishes the control URL as an absolute URL and sets URLBase.
	AbsoluteControlURL bool

	// Delay is applied to every SOAP request.
	Delay time.Duration
}

// Gateway is an httptest based IGD serving a description and a SOAP control endpoint.
type Gateway struct {
	Server *httptest.Server
	UDN    string

	cfg Config

	mu       sync.Mutex
	mappings map[Key]*Entry
	calls    map[string]int
	faults   map[string][]Fault
}

// NewGateway starts a Gateway. Call Close when done.
func NewGateway(cfg Config) *Gateway {
	if cfg.ServiceType == "" {
		cfg.ServiceType = "urn:schemas-upnp-org:service:WANIPConnection:1"
	}
	if cfg.ExternalIP == "" {
		cfg.ExternalIP = "203.0.113.5"
	}

	g := &Gateway{
		UDN:      "uuid:" + uuid.New().String(),
		cfg:      cfg,
		mappings: map[Key]*Entry{},
		calls:    map[string]int{},
		faults:   map[string][]Fault{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(DescriptionPath, g.serveDescription)
	mux.HandleFunc(ControlPath, g.serveControl)
	g.Server = httptest.NewServer(mux)

	return g
}

// Close shuts the server down.
func (g *Gateway) Close() {
	g.Server.Close()
}

// Location is the description URL, as announced in SSDP replies.
func (g *Gateway) Location() string {
	return g.Server.URL + DescriptionPath
}

// FailNext queues a fault returned by the next invocation of action.
func (g *Gateway) FailNext(action string, code int, description string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.faults[action] = append(g.faults[action], Fault{Code: code, Description: description})
}

// SetExternalIP changes the address returned by GetExternalIPAddress.
func (g *Gateway) SetExternalIP(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cfg.ExternalIP = ip
}

// Calls returns how often action was invoked.
func (g *Gateway) Calls(action string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.calls[action]
}

// Mapping returns a copy of the entry for key.
func (g *Gateway) Mapping(key Key) (Entry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.mappings[key]
	if !ok {
		return Entry{}, false
	}

	return *e, true
}

// Len returns the number of mappings held.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.mappings)
}

// AddMapping installs a mapping as if another host created it.
func (g *Gateway) AddMapping(key Key, e Entry) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.mappings[key] = &e
}

func (g *Gateway) serveDescription(w http.ResponseWriter, _ *http.Request) {
	control := ControlPath
	urlBase := ""
	if g.cfg.AbsoluteControlURL {
		control = g.Server.URL + ControlPath
		urlBase = "<URLBase>" + g.Server.URL + "/</URLBase>"
	}

	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	_, _ = fmt.Fprintf(w, descriptionTemplate, urlBase, g.UDN, g.UDN, g.UDN, g.cfg.ServiceType, control)
}

func (g *Gateway) serveControl(w http.ResponseWriter, r *http.Request) {
	if g.cfg.Delay > 0 {
		select {
		case <-time.After(g.cfg.Delay):
		case <-r.Context().Done():
			return
		}
	}

	soapAction := strings.Trim(r.Header.Get("Soapaction"), `"`)
	serviceType, action, ok := strings.Cut(soapAction, "#")
	if r.Method != http.MethodPost || !ok {
		http.Error(w, "bad request", http.StatusBadRequest)

		return
	}
	if serviceType != g.cfg.ServiceType {
		writeFault(w, Fault{Code: 401, Description: "Invalid Action"})

		return
	}

	args, err := parseArgs(r.Body, action)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	out, fault := g.handle(action, args)
	if fault != nil {
		writeFault(w, *fault)

		return
	}

	writeResponse(w, serviceType, action, out)
}

func (g *Gateway) handle(action string, args map[string]string) ([][2]string, *Fault) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls[action]++

	if q := g.faults[action]; len(q) > 0 {
		f := q[0]
		g.faults[action] = q[1:]

		return nil, &f
	}

	ext, _ := strconv.ParseUint(args["NewExternalPort"], 10, 16)
	key := Key{Protocol: args["NewProtocol"], ExternalPort: uint16(ext)}

	switch action {
	case "GetExternalIPAddress":
		return [][2]string{{"NewExternalIPAddress", g.cfg.ExternalIP}}, nil

	case "AddPortMapping":
		if key.ExternalPort == 0 {
			if g.cfg.RejectWildcard {
				return nil, &Fault{Code: 716, Description: "WildCardNotPermittedInExtPort"}
			}
			internal, _ := strconv.ParseUint(args["NewInternalPort"], 10, 16)
			key.ExternalPort = uint16(internal)
		}
		if f := g.add(key, args); f != nil {
			return nil, f
		}

		return nil, nil

	case "AddAnyPortMapping":
		if g.cfg.ServiceType != "urn:schemas-upnp-org:service:WANIPConnection:2" {
			return nil, &Fault{Code: 401, Description: "Invalid Action"}
		}
		if key.ExternalPort == 0 {
			key.ExternalPort = firstDynamicPort
		}
		for {
			if e, taken := g.mappings[key]; !taken || e.InternalClient == args["NewInternalClient"] {
				break
			}
			key.ExternalPort++
		}
		_ = g.add(key, args)

		return [][2]string{{"NewReservedPort", strconv.Itoa(int(key.ExternalPort))}}, nil

	case "DeletePortMapping":
		if _, ok := g.mappings[key]; !ok {
			return nil, &Fault{Code: 714, Description: "NoSuchEntryInArray"}
		}
		delete(g.mappings, key)

		return nil, nil

	case "GetSpecificPortMappingEntry":
		e, ok := g.mappings[key]
		if !ok {
			return nil, &Fault{Code: 714, Description: "NoSuchEntryInArray"}
		}

		return [][2]string{
			{"NewInternalPort", strconv.Itoa(int(e.InternalPort))},
			{"NewInternalClient", e.InternalClient},
			{"NewEnabled", "1"},
			{"NewPortMappingDescription", e.Description},
			{"NewLeaseDuration", strconv.FormatUint(uint64(e.LeaseDuration), 10)},
		}, nil
	}

	return nil, &Fault{Code: 401, Description: "Invalid Action"}
}

func (g *Gateway) add(key Key, args map[string]string) *Fault {
	internalPort, _ := strconv.ParseUint(args["NewInternalPort"], 10, 16)
	lease, _ := strconv.ParseUint(args["NewLeaseDuration"], 10, 32)

	if e, ok := g.mappings[key]; ok {
		if e.InternalClient != args["NewInternalClient"] || e.InternalPort != uint16(internalPort) {
			return &Fault{Code: 718, Description: "ConflictInMappingEntry"}
		}
		e.Refreshed++
		e.LeaseDuration = uint32(lease)
		e.Description = args["NewPortMappingDescription"]

		return nil
	}

	g.mappings[key] = &Entry{
		InternalClient: args["NewInternalClient"],
		InternalPort:   uint16(internalPort),
		Description:    args["NewPortMappingDescription"],
		LeaseDuration:  uint32(lease),
	}

	return nil
}

func parseArgs(r io.Reader, action string) (map[string]string, error) {
	var env struct {
		Body struct {
			Inner []byte `xml:",innerxml"`
		} `xml:"Body"`
	}
	if err := xml.NewDecoder(r).Decode(&env); err != nil {
		return nil, err
	}

	var call struct {
		XMLName xml.Name
		Args    []struct {
			XMLName xml.Name
			Value   string `xml:",chardata"`
		} `xml:",any"`
	}
	if err := xml.NewDecoder(bytes.NewReader(env.Body.Inner)).Decode(&call); err != nil {
		return nil, err
	}
	if call.XMLName.Local != action {
		return nil, fmt.Errorf("body carries %q, header %q", call.XMLName.Local, action) //nolint:goerr113
	}

	args := map[string]string{}
	for _, a := range call.Args {
		args[a.XMLName.Local] = a.Value
	}

	return args, nil
}

func writeResponse(w http.ResponseWriter, serviceType, action string, out [][2]string) {
	var b strings.Builder
	for _, kv := range out {
		b.WriteString("<" + kv[0] + ">")
		_ = xml.EscapeText(&b, []byte(kv[1]))
		b.WriteString("</" + kv[0] + ">")
	}

	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	_, _ = fmt.Fprintf(w, responseTemplate, action, serviceType, b.String(), action)
}

func writeFault(w http.ResponseWriter, f Fault) {
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = fmt.Fprintf(w, faultTemplate, f.Code, f.Description)
}

const descriptionTemplate = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
<specVersion><major>1</major><minor>0</minor></specVersion>
%s
<device>
<deviceType>urn:schemas-upnp-org:device:InternetGatewayDevice:1</deviceType>
<friendlyName>Test Gateway</friendlyName>
<UDN>%s</UDN>
<serviceList>
<service>
<serviceType>urn:schemas-upnp-org:service:Layer3Forwarding:1</serviceType>
<serviceId>urn:upnp-org:serviceId:L3Forwarding1</serviceId>
<controlURL>/ctl/L3F</controlURL>
<eventSubURL>/evt/L3F</eventSubURL>
<SCPDURL>/L3F.xml</SCPDURL>
</service>
</serviceList>
<deviceList>
<device>
<deviceType>urn:schemas-upnp-org:device:WANDevice:1</deviceType>
<friendlyName>WANDevice</friendlyName>
<UDN>%s</UDN>
<deviceList>
<device>
<deviceType>urn:schemas-upnp-org:device:WANConnectionDevice:1</deviceType>
<friendlyName>WANConnectionDevice</friendlyName>
<UDN>%s</UDN>
<serviceList>
<service>
<serviceType>%s</serviceType>
<serviceId>urn:upnp-org:serviceId:WANIPConn1</serviceId>
<controlURL>%s</controlURL>
<eventSubURL>/evt/IPConn</eventSubURL>
<SCPDURL>/WANIPCn.xml</SCPDURL>
</service>
</serviceList>
</device>
</deviceList>
</device>
</deviceList>
</device>
</root>
`

const responseTemplate = `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body><u:%sResponse xmlns:u="%s">%s</u:%sResponse></s:Body></s:Envelope>
`

const faultTemplate = `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body><s:Fault><faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring><detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorCode>%d</errorCode><errorDescription>%s</errorDescription></UPnPError></detail></s:Fault></s:Body></s:Envelope>
`
