//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

// New creates a new manager instance.
func New() Mgr {
	return &mgr{}
}

type role int

const (
	roleNone role = iota
	roleServer
	roleClient
)

var pathCounter uint64

type mgr struct {
	mu     sync.Mutex
	closed bool

	bus *dbus.Conn

	role role

	// server state
	serverExported bool
	acceptUsed     bool
	srvProf        *profile
	serverPath     dbus.ObjectPath

	// client state
	connectUsed bool
	cliProf     *profile
	clientPath  dbus.ObjectPath

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

// ensureBusLocked connects to the system bus if not yet connected.
func (m *mgr) ensureBusLocked() error {
	if m.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connmgr: connect system bus: %w", err)
	}
	m.bus = c
	// Close the bus last during cleanup.
	m.cleanup = append(m.cleanup, func() { m.bus.Close() })
	return nil
}

// profile implements org.bluez.Profile1 and forwards NewConnection events.
// godbus dispatches by exported method name and signature, so Release, Cancel,
// RequestDisconnection and NewConnection must keep exactly this shape.
type profile struct {
	ch       chan acceptResult
	accepted atomic.Bool // set on first delivery; later connections are rejected and closed
}

type acceptResult struct {
	fd  int
	dev Device
}

func newProfile() *profile {
	return &profile{ch: make(chan acceptResult, 1)}
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to the waiting goroutine.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	res := acceptResult{
		fd:  int(fd),
		dev: Device{Path: string(dev), MAC: macFromPath(dev)},
	}
	if !p.accepted.CompareAndSwap(false, true) {
		_ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"already accepted"}}
	}
	select {
	case p.ch <- res:
		return nil
	default:
		// No receiver; close FD and return a rejection to avoid leaks.
		_ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
}

// exportProfileLocked exports p at a unique path and registers it with BlueZ
// for svc, queuing the matching teardown.
func (m *mgr) exportProfileLocked(p *profile, kind string, svc uuid.UUID, opts map[string]dbus.Variant) (dbus.ObjectPath, error) {
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/bluetooth_obex/connmgr/" + kind + "/p" + strconv.FormatUint(id, 10))
	if err := m.bus.Export(p, path, profileInterfaceName); err != nil {
		return "", fmt.Errorf("connmgr: export %s profile: %w", kind, err)
	}
	pm := m.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, svc.String(), opts); call.Err != nil {
		_ = m.bus.Export(nil, path, profileInterfaceName)
		return "", fmt.Errorf("connmgr: RegisterProfile(%s): %w", kind, call.Err)
	}
	// Unregister before the bus itself is closed.
	m.cleanup = append(m.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = m.bus.Export(nil, path, profileInterfaceName)
	})
	return path, nil
}

func (m *mgr) StartServer(ctx context.Context, opts ServerOptions) error {
	_ = ctx // registration is fast and not cancellable via the D-Bus API.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("connmgr: closed")
	}
	if m.role == roleClient || m.connectUsed {
		return errors.New("connmgr: already used as client")
	}
	if m.serverExported {
		return errors.New("connmgr: server already started")
	}
	if opts.ServiceName == "" {
		return errors.New("connmgr: ServiceName required")
	}
	channel := opts.Channel
	if channel == 0 {
		channel = DefaultRFCOMMChannel
	}
	if err := m.ensureBusLocked(); err != nil {
		return err
	}

	m.srvProf = newProfile()
	path, err := m.exportProfileLocked(m.srvProf, "server", ObjectPushUUID, map[string]dbus.Variant{
		"Name": dbus.MakeVariant(opts.ServiceName),
		"Role": dbus.MakeVariant("server"),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel":               dbus.MakeVariant(channel),
		"RequireAuthentication": dbus.MakeVariant(false),
		"RequireAuthorization":  dbus.MakeVariant(false),
	})
	if err != nil {
		return err
	}
	m.serverPath = path
	m.serverExported = true
	m.role = roleServer
	return nil
}

func (m *mgr) Accept(ctx context.Context) (fd int, remote Device, err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, Device{}, errors.New("connmgr: closed")
	}
	if m.role != roleServer || !m.serverExported {
		m.mu.Unlock()
		return 0, Device{}, errors.New("connmgr: server not started")
	}
	if m.acceptUsed {
		m.mu.Unlock()
		return 0, Device{}, errors.New("connmgr: Accept already used")
	}
	m.acceptUsed = true
	ch := m.srvProf.ch
	bus := m.bus
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return 0, Device{}, fmt.Errorf("connmgr: accept canceled: %w", ctx.Err())
	case res := <-ch:
		// Fill in display details when BlueZ still knows the device.
		var props map[string]dbus.Variant
		call := bus.Object(bluezService, dbus.ObjectPath(res.dev.Path)).Call(propsIface+".GetAll", 0, deviceIface)
		if call.Err == nil && call.Store(&props) == nil {
			res.dev = deviceFromProps(dbus.ObjectPath(res.dev.Path), props)
		}
		return res.fd, res.dev, nil
	}
}

func (m *mgr) ScanPush(ctx context.Context) ([]Device, error) {
	bus, err := m.openBus()
	if err != nil {
		return nil, err
	}

	objs, err := getManagedObjects(bus)
	if err != nil {
		return nil, err
	}
	// Start discovery on all adapters (best-effort); stop when done.
	for _, ap := range adaptersIn(objs) {
		_ = bus.Object(bluezService, ap).Call(adapterIface+".StartDiscovery", 0).Err
		defer func(p dbus.ObjectPath) { _ = bus.Object(bluezService, p).Call(adapterIface+".StopDiscovery", 0).Err }(ap)
	}
	devMap := devicesIn(objs, ObjectPushUUID)

	// Subscribe to InterfacesAdded to catch new devices until ctx is done.
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := bus.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("connmgr: AddMatchSignal: %w", err)
	}
	defer func() { _ = bus.RemoveMatchSignal(match...) }()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if ifaces == nil {
				continue
			}
			if dev, ok := deviceFromIfaces(path, ifaces, ObjectPushUUID); ok {
				devMap[dev.Path] = dev
			}
		}
	}

	out := make([]Device, 0, len(devMap))
	for _, d := range devMap {
		out = append(out, d)
	}
	sortDevices(out)
	return out, nil
}

func (m *mgr) ResolvePushService(ctx context.Context, dev Device) (Service, error) {
	if dev.Path == "" {
		return Service{}, errors.New("connmgr: device path required")
	}
	bus, err := m.openBus()
	if err != nil {
		return Service{}, err
	}
	var props map[string]dbus.Variant
	call := bus.Object(bluezService, dbus.ObjectPath(dev.Path)).CallWithContext(ctx, propsIface+".GetAll", 0, deviceIface)
	if call.Err != nil {
		return Service{}, fmt.Errorf("connmgr: read device %s: %w", dev.Path, call.Err)
	}
	if err := call.Store(&props); err != nil {
		return Service{}, fmt.Errorf("connmgr: decode device %s: %w", dev.Path, err)
	}
	resolved := deviceFromProps(dbus.ObjectPath(dev.Path), props)
	if !resolved.Has(ObjectPushUUID) {
		return Service{}, fmt.Errorf("%w: %s", ErrNoPushService, resolved.DisplayName())
	}
	return Service{Device: resolved, UUID: ObjectPushUUID}, nil
}

func (m *mgr) Connect(ctx context.Context, svc Service) (fd int, err error) {
	if svc.Device.Path == "" {
		return 0, errors.New("connmgr: device path required")
	}
	if svc.UUID == uuid.Nil {
		svc.UUID = ObjectPushUUID
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, errors.New("connmgr: closed")
	}
	if m.role == roleServer || m.acceptUsed {
		m.mu.Unlock()
		return 0, errors.New("connmgr: already used as server")
	}
	if m.connectUsed {
		m.mu.Unlock()
		return 0, errors.New("connmgr: Connect already used")
	}
	if err := m.ensureBusLocked(); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	m.cliProf = newProfile()
	path, err := m.exportProfileLocked(m.cliProf, "client", svc.UUID, map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	})
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	m.clientPath = path
	m.role = roleClient
	m.connectUsed = true
	ch := m.cliProf.ch
	bus := m.bus
	m.mu.Unlock()

	devObj := bus.Object(bluezService, dbus.ObjectPath(svc.Device.Path))
	var paired dbus.Variant
	if call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
		if err := call.Store(&paired); err == nil {
			if b, ok := paired.Value().(bool); ok && !b {
				if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
					return 0, fmt.Errorf("connmgr: Pair: %w", err)
				}
			}
		}
	}
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, svc.UUID.String()); call.Err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
		}
		return 0, fmt.Errorf("connmgr: ConnectProfile: %w", call.Err)
	}

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
	case res := <-ch:
		return res.fd, nil
	}
}

// Close is safe for concurrent and redundant calls (idempotent). Profiles
// must be unregistered before their objects are unexported and before the bus
// is closed, so the cleanup stack runs in reverse.
func (m *mgr) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cleanup := m.cleanup
	m.cleanup = nil
	m.mu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

func (m *mgr) openBus() (*dbus.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("connmgr: closed")
	}
	if err := m.ensureBusLocked(); err != nil {
		return nil, err
	}
	return m.bus, nil
}

func getManagedObjects(bus *dbus.Conn) (managedObjects, error) {
	var objs managedObjects
	call := bus.Object(bluezService, dbus.ObjectPath("/")).Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}
