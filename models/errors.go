package models

import "errors"

// Error kinds shared across services and handlers. Services wrap these with
// context; handlers map them to HTTP statuses with errors.Is.
var (
	// ErrNotFound covers unknown episodes, series, devices, tuners, rules.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument covers malformed identifiers and bad parameters.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBusy means an identical operation is already in flight.
	ErrBusy = errors.New("operation already in progress")

	// ErrConflict means the request contradicts current state, such as
	// deleting an episode that is mid-transcode.
	ErrConflict = errors.New("conflict with current state")

	// ErrNoTunersAvailable means allocation walked every candidate tuner
	// and none could serve the channel.
	ErrNoTunersAvailable = errors.New("no tuners available")

	// ErrTunerBusy is an appliance rejecting a specific tuner as in use.
	ErrTunerBusy = errors.New("tuner in use")

	// ErrDrmProtected is an appliance refusing to serve protected content.
	ErrDrmProtected = errors.New("content is DRM protected")

	// ErrUpstreamUnavailable is an appliance or cloud 5xx.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamUnreachable is a connection-level failure to an appliance
	// or the cloud.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrAuthExpired means DeviceAuth was rejected and a refreshed token
	// was rejected again.
	ErrAuthExpired = errors.New("device auth expired")
)
