// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package igd

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pion/logging"
)

// DefaultRequestTimeout bounds a single SOAP exchange.
const DefaultRequestTimeout = 5 * time.Second

const (
	soapEnvelopeNS      = "http://schemas.xmlsoap.org/soap/envelope/"
	soapEncodingStyle   = "http://schemas.xmlsoap.org/soap/encoding/"
	defaultUserAgent    = "Go UPnP/1.1 pion-portmap/1.0"
	maxSOAPResponseSize = 64 << 10
)

// Arg is one named input argument of an action. Arguments are sent in order,
// several routers reject requests whose arguments are reordered.
type Arg struct {
	Name  string
	Value string
}

// SOAPClient invokes UPnP control actions.
type SOAPClient struct {
	HTTPClient *http.Client

	// Timeout bounds each invocation, default DefaultRequestTimeout.
	Timeout time.Duration

	UserAgent string

	Logger logging.LeveledLogger
}

// Invoke performs action on the service at controlURL and returns the output arguments.
//
// A SOAP fault is returned as *SOAPFault, every other failure as *TransportError.
func (c *SOAPClient) Invoke(ctx context.Context, controlURL *url.URL, serviceType, action string, args []Arg) (map[string]string, error) {
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ua := c.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := controlURL.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(buildEnvelope(serviceType, action, args)))
	if err != nil {
		return nil, &TransportError{Op: action, URL: target, Err: err}
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("User-Agent", ua)
	req.Header["SOAPACTION"] = []string{`"` + serviceType + "#" + action + `"`}

	if c.Logger != nil {
		c.Logger.Tracef("Invoking %s#%s at %s", serviceType, action, target)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: action, URL: target, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSOAPResponseSize))
	if err != nil {
		return nil, &TransportError{Op: action, URL: target, Err: err}
	}

	out, fault, err := parseEnvelope(data, action)
	switch {
	case fault != nil:
		if c.Logger != nil {
			c.Logger.Debugf("%s at %s failed: %v", action, target, fault)
		}

		return nil, fault
	case resp.StatusCode != http.StatusOK:
		return nil, &TransportError{Op: action, URL: target, Err: fmt.Errorf("unexpected status %q", resp.Status)} //nolint:goerr113
	case err != nil:
		return nil, &TransportError{Op: action, URL: target, Err: fmt.Errorf("%w: %v", errMalformedResponse, err)} //nolint:errorlint
	}

	return out, nil
}

func buildEnvelope(serviceType, action string, args []Arg) []byte {
	var b bytes.Buffer

	b.WriteString(`<?xml version="1.0"?>` + "\r\n")
	b.WriteString(`<s:Envelope xmlns:s="` + soapEnvelopeNS + `" s:encodingStyle="` + soapEncodingStyle + `">`)
	b.WriteString(`<s:Body><u:` + action + ` xmlns:u="`)
	_ = xml.EscapeText(&b, []byte(serviceType))
	b.WriteString(`">`)

	for _, a := range args {
		b.WriteString("<" + a.Name + ">")
		_ = xml.EscapeText(&b, []byte(a.Value))
		b.WriteString("</" + a.Name + ">")
	}

	b.WriteString(`</u:` + action + `></s:Body></s:Envelope>`)

	return b.Bytes()
}

type xmlFault struct {
	FaultCode   string `xml:"faultcode"`
	FaultString string `xml:"faultstring"`
	Detail      struct {
		UPnPError struct {
			ErrorCode        string `xml:"errorCode"`
			ErrorDescription string `xml:"errorDescription"`
		} `xml:"UPnPError"`
	} `xml:"detail"`
}

type xmlArgs struct {
	Args []struct {
		XMLName xml.Name
		Value   string `xml:",chardata"`
	} `xml:",any"`
}

func parseEnvelope(data []byte, action string) (map[string]string, *SOAPFault, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	if err := seekElement(dec, "Body"); err != nil {
		return nil, nil, err
	}

	child, err := firstChild(dec)
	if err != nil {
		return nil, nil, err
	}

	if child.Name.Local == "Fault" {
		var f xmlFault
		if err := dec.DecodeElement(&f, &child); err != nil {
			return nil, nil, err
		}

		code, _ := strconv.Atoi(strings.TrimSpace(f.Detail.UPnPError.ErrorCode))

		return nil, &SOAPFault{
			Code:        code,
			Description: strings.TrimSpace(f.Detail.UPnPError.ErrorDescription),
			FaultCode:   strings.TrimSpace(f.FaultCode),
			FaultString: strings.TrimSpace(f.FaultString),
		}, nil
	}

	if !strings.EqualFold(child.Name.Local, action+"Response") {
		return nil, nil, fmt.Errorf("unexpected element <%s>", child.Name.Local) //nolint:goerr113
	}

	var r xmlArgs
	if err := dec.DecodeElement(&r, &child); err != nil {
		return nil, nil, err
	}

	out := make(map[string]string, len(r.Args))
	for _, a := range r.Args {
		out[a.XMLName.Local] = strings.TrimSpace(a.Value)
	}

	return out, nil, nil
}

func seekElement(dec *xml.Decoder, local string) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("missing <%s>", local) //nolint:goerr113
			}

			return err
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == local {
			return nil
		}
	}
}

func firstChild(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.EndElement:
			return xml.StartElement{}, errors.New("empty SOAP body") //nolint:goerr113
		}
	}
}
