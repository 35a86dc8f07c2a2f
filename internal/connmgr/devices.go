package connmgr

import (
	"sort"
	"strings"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// adaptersIn returns the adapter paths among objs in a stable order.
func adaptersIn(objs managedObjects) []dbus.ObjectPath {
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, path)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// devicesIn collects the devices among objs that advertise want.
func devicesIn(objs managedObjects, want uuid.UUID) map[string]Device {
	out := make(map[string]Device)
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces, want); ok {
			out[dev.Path] = dev
		}
	}
	return out
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant, want uuid.UUID) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	dev := deviceFromProps(path, props)
	if !dev.Has(want) {
		return Device{}, false
	}
	return dev, true
}

func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) Device {
	dev := Device{Path: string(path)}
	if v, ok := props["Address"]; ok {
		dev.MAC, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		dev.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		dev.Alias, _ = v.Value().(string)
	}
	if v, ok := props["Paired"]; ok {
		dev.Paired, _ = v.Value().(bool)
	}
	if v, ok := props["UUIDs"]; ok {
		raw, _ := v.Value().([]string)
		dev.UUIDs = parseUUIDs(raw)
	}
	if dev.MAC == "" {
		dev.MAC = macFromPath(path)
	}
	return dev
}

// parseUUIDs drops entries BlueZ reports that are not valid UUIDs.
func parseUUIDs(list []string) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(list))
	for _, s := range list {
		if u, err := uuid.Parse(s); err == nil {
			out = append(out, u)
		}
	}
	return out
}

// sortDevices orders by display name, then path, so scans print stably.
func sortDevices(devs []Device) {
	sort.Slice(devs, func(i, j int) bool {
		a, b := strings.ToLower(devs[i].DisplayName()), strings.ToLower(devs[j].DisplayName())
		if a != b {
			return a < b
		}
		return devs[i].Path < devs[j].Path
	})
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}
