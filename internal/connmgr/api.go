// Package connmgr prepares RFCOMM file descriptors for OBEX Object Push via
// BlueZ over D-Bus: it registers the push profile, discovers devices that
// advertise it and hands connected sockets to the caller.
//
// Thread-safety: except for Close(), methods are not safe for concurrent use.
// Callers must serialize StartServer, Accept, ScanPush, ResolvePushService and
// Connect. Close is safe to call concurrently and is idempotent.
package connmgr

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ObjectPushUUID is the OBEX Object Push service class.
	ObjectPushUUID = uuid.MustParse("00001105-0000-1000-8000-00805f9b34fb")

	// FileTransferUUID is the OBEX File Transfer service class. Devices that
	// only advertise it are listed but cannot be pushed to.
	FileTransferUUID = uuid.MustParse("00001106-0000-1000-8000-00805f9b34fb")
)

// DefaultRFCOMMChannel is the RFCOMM channel requested for the server-side profile.
const DefaultRFCOMMChannel uint16 = 9

// ErrNoPushService is returned by ResolvePushService when the device does not
// advertise Object Push.
var ErrNoPushService = errors.New("connmgr: device has no object push service")

// Device represents the minimum information needed to display and connect.
//
// Path is required (BlueZ Device1 object path as string). Other fields are optional
// and may be empty depending on discovery results.
type Device struct {
	Path   string      // required: D-Bus object path of the device (e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX)
	MAC    string      // optional: Bluetooth device address
	Name   string      // optional: Device1.Name
	Alias  string      // optional: Device1.Alias
	Paired bool        // optional: Device1.Paired
	UUIDs  []uuid.UUID // optional: service classes from Device1.UUIDs
}

// DisplayName prefers the alias, then the name, then the address.
func (d Device) DisplayName() string {
	switch {
	case d.Alias != "":
		return d.Alias
	case d.Name != "":
		return d.Name
	case d.MAC != "":
		return d.MAC
	}
	return d.Path
}

// Has reports whether the device advertises the service class u.
func (d Device) Has(u uuid.UUID) bool {
	for _, v := range d.UUIDs {
		if v == u {
			return true
		}
	}
	return false
}

// Service is a resolved push target on a device.
type Service struct {
	Device Device
	UUID   uuid.UUID
}

// ServerOptions controls server-side profile registration.
type ServerOptions struct {
	// ServiceName is required and will be used for RegisterProfile options["Name"].
	ServiceName string
	// Channel is the RFCOMM channel to request; zero means DefaultRFCOMMChannel.
	Channel uint16
}

// Mgr is the single public interface for discovery and connections.
// Responsibilities end at preparing FDs for the caller; reconnect is out of scope.
type Mgr interface {
	// StartServer registers the Object Push profile (Role="server").
	// After a successful call, use Accept to wait for exactly one incoming connection.
	//   - Must be called before Accept.
	//   - Calling StartServer more than once returns an error.
	//   - A Mgr instance is single-role: if Connect has been used on this instance,
	//     StartServer returns an error (and vice versa).
	StartServer(ctx context.Context, opts ServerOptions) error

	// Accept blocks until a connection is established or ctx is canceled.
	// The returned FD is owned by the caller; wrap it with OpenConn.
	//   - Accept may be called at most once. Later incoming connections are rejected
	//     and their FDs closed.
	//   - Once Accept has returned an FD, the implementation never closes it.
	Accept(ctx context.Context) (fd int, remote Device, err error)

	// ScanPush discovers nearby devices advertising Object Push and returns a
	// snapshot list. Discovery runs until ctx is done; use context.WithTimeout.
	ScanPush(ctx context.Context) ([]Device, error)

	// ResolvePushService looks up the Object Push service on dev. It returns
	// ErrNoPushService when the device does not advertise one.
	ResolvePushService(ctx context.Context, dev Device) (Service, error)

	// Connect initiates an outgoing connection to svc. A client-side profile is
	// registered internally; pairing is attempted when the device is not paired,
	// which needs an Agent registered elsewhere. The returned FD is owned by the caller.
	//   - Connect may be called at most once per manager instance.
	//   - Context cancellation is propagated as an error wrapping ctx.Err().
	Connect(ctx context.Context, svc Service) (fd int, err error)

	// Close releases resources held by the manager (D-Bus objects, profile
	// registrations, signal subscriptions). Idempotent; after Close all other
	// methods return an error.
	Close() error
}
