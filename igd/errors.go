// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package igd

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNoGatewayFound is returned when discovery ends without a single usable response.
	ErrNoGatewayFound = errors.New("igd: no gateway found")

	// ErrDescriptionUnavailable is returned when a device description cannot be retrieved or parsed.
	ErrDescriptionUnavailable = errors.New("igd: device description unavailable")

	// ErrNoCompatibleService is returned when a device offers neither WANIPConnection nor WANPPPConnection.
	ErrNoCompatibleService = errors.New("igd: no compatible WAN connection service")

	// ErrTimeout matches every TransportError caused by a timeout.
	ErrTimeout = errors.New("igd: timeout")

	// ErrInvalidExternalIP is returned when the gateway reports something that is not an IPv4 address.
	ErrInvalidExternalIP = errors.New("igd: invalid IP address returned by router")

	// ErrUnsupportedAction is returned for actions the resolved service type does not define.
	ErrUnsupportedAction = errors.New("igd: action not supported by service")

	errMalformedResponse = errors.New("malformed SOAP response")
)

// UPnP error codes surfaced by WANIPConnection and WANPPPConnection services.
const (
	CodeInvalidAction                    = 401
	CodeInvalidArgs                      = 402
	CodeActionFailed                     = 501
	CodeArgumentValueInvalid             = 600
	CodeArgumentValueOutOfRange          = 601
	CodeOptionalActionNotImplemented     = 602
	CodeOutOfMemory                      = 603
	CodeHumanInterventionRequired        = 604
	CodeStringArgumentTooLong            = 605
	CodeActionNotAuthorized              = 606
	CodeSpecifiedArrayIndexInvalid       = 713
	CodeNoSuchEntryInArray               = 714
	CodeWildCardNotPermittedInSrcIP      = 715
	CodeWildCardNotPermittedInExtPort    = 716
	CodeConflictInMappingEntry           = 718
	CodeSamePortValuesRequired           = 724
	CodeOnlyPermanentLeasesSupported     = 725
	CodeRemoteHostOnlySupportsWildcard   = 726
	CodeExternalPortOnlySupportsWildcard = 727
	CodeNoPortMapsAvailable              = 728
	CodeConflictWithOtherMechanisms      = 729
	CodeWildCardNotPermittedInIntPort    = 732
)

var errorNames = map[int]string{ //nolint:gochecknoglobals
	CodeInvalidAction:                    "InvalidAction",
	CodeInvalidArgs:                      "InvalidArgs",
	CodeActionFailed:                     "ActionFailed",
	CodeArgumentValueInvalid:             "ArgumentValueInvalid",
	CodeArgumentValueOutOfRange:          "ArgumentValueOutOfRange",
	CodeOptionalActionNotImplemented:     "OptionalActionNotImplemented",
	CodeOutOfMemory:                      "OutOfMemory",
	CodeHumanInterventionRequired:        "HumanInterventionRequired",
	CodeStringArgumentTooLong:            "StringArgumentTooLong",
	CodeActionNotAuthorized:              "ActionNotAuthorized",
	CodeSpecifiedArrayIndexInvalid:       "SpecifiedArrayIndexInvalid",
	CodeNoSuchEntryInArray:               "NoSuchEntryInArray",
	CodeWildCardNotPermittedInSrcIP:      "WildCardNotPermittedInSrcIP",
	CodeWildCardNotPermittedInExtPort:    "WildCardNotPermittedInExtPort",
	CodeConflictInMappingEntry:           "ConflictInMappingEntry",
	CodeSamePortValuesRequired:           "SamePortValuesRequired",
	CodeOnlyPermanentLeasesSupported:     "OnlyPermanentLeasesSupported",
	CodeRemoteHostOnlySupportsWildcard:   "RemoteHostOnlySupportsWildcard",
	CodeExternalPortOnlySupportsWildcard: "ExternalPortOnlySupportsWildcard",
	CodeNoPortMapsAvailable:              "NoPortMapsAvailable",
	CodeConflictWithOtherMechanisms:      "ConflictWithOtherMechanisms",
	CodeWildCardNotPermittedInIntPort:    "WildCardNotPermittedInIntPort",
}

// ErrorName returns the symbolic name of a UPnP error code, or an empty string if unknown.
func ErrorName(code int) string {
	return errorNames[code]
}

// SOAPFault is an application level rejection reported by the gateway.
// Code is the UPnP error code exactly as sent by the device.
type SOAPFault struct {
	Code        int
	Description string

	// FaultCode and FaultString hold the generic SOAP fault fields, usually
	// "s:Client" and "UPnPError".
	FaultCode   string
	FaultString string
}

func (e *SOAPFault) Error() string {
	desc := e.Description
	if desc == "" {
		desc = ErrorName(e.Code)
	}
	if desc == "" {
		desc = e.FaultString
	}

	return fmt.Sprintf("igd: SOAP fault %d: %s", e.Code, desc)
}

// IsFault reports whether err is a SOAPFault carrying one of the given codes.
func IsFault(err error, codes ...int) bool {
	var fault *SOAPFault
	if !errors.As(err, &fault) {
		return false
	}
	for _, c := range codes {
		if fault.Code == c {
			return true
		}
	}

	return false
}

// TransportError wraps connection, HTTP and timeout failures.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("igd: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was caused by a deadline.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error

	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// Is makes errors.Is(err, ErrTimeout) hold for timeouts.
func (e *TransportError) Is(target error) bool {
	return target == ErrTimeout && e.Timeout() //nolint:errorlint
}
