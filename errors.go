// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package portmap

import (
	"errors"

	"github.com/pion/portmap/igd"
)

var (
	// ErrLeaseLost is reported when renewals failed too often and the mapping must be considered gone.
	ErrLeaseLost = errors.New("portmap: lease lost")

	// ErrInvalidRequest is returned for mapping requests that cannot be sent to a gateway.
	ErrInvalidRequest = errors.New("portmap: invalid mapping request")

	// ErrInvalidConfig is returned by NewClient for out of range settings.
	ErrInvalidConfig = errors.New("portmap: invalid config")

	// ErrDuplicateMapping is returned when the same protocol and external port are already tracked.
	ErrDuplicateMapping = errors.New("portmap: mapping already requested")

	// ErrNoSuchMapping is returned when removing a mapping that is not tracked.
	ErrNoSuchMapping = errors.New("portmap: no such mapping")

	// ErrReleased is returned by an in-flight Map that was interrupted by Unmap.
	ErrReleased = errors.New("portmap: mapping released")

	// ErrClosed is returned after the client was closed.
	ErrClosed = errors.New("portmap: client closed")

	errLeaseBusy = errors.New("portmap: lease is not idle")
)

// Errors of the igd package, re-exported so that callers rarely need to import it.
var (
	ErrNoGatewayFound         = igd.ErrNoGatewayFound
	ErrDescriptionUnavailable = igd.ErrDescriptionUnavailable
	ErrNoCompatibleService    = igd.ErrNoCompatibleService
	ErrTimeout                = igd.ErrTimeout
	ErrInvalidExternalIP      = igd.ErrInvalidExternalIP
)
