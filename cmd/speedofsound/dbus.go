package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	upowerService   = "org.freedesktop.UPower"
	upowerPath      = dbus.ObjectPath("/org/freedesktop/UPower")
	upowerInterface = "org.freedesktop.UPower"

	bluezService         = "org.bluez"
	bluezDeviceInterface = "org.bluez.Device1"

	propertiesInterface    = "org.freedesktop.DBus.Properties"
	propertiesChanged      = "PropertiesChanged"
	objectManagerInterface = "org.freedesktop.DBus.ObjectManager"

	// Advanced Audio Distribution Profile, sink role.
	a2dpSinkUUID = "0000110b-0000-1000-8000-00805f9b34fb"
)

// SystemBus watches UPower and BlueZ on the system bus. It also answers the
// live power query used by the activation policy.
type SystemBus struct {
	conn   *dbus.Conn
	logger *slog.Logger
}

// ConnectSystemBus opens a private system bus connection.
func ConnectSystemBus(logger *slog.Logger) (*SystemBus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &SystemBus{conn: conn, logger: logger}, nil
}

func (b *SystemBus) Close() error {
	return b.conn.Close()
}

// PowerConnected reports whether the machine runs on external power.
func (b *SystemBus) PowerConnected(ctx context.Context) (bool, error) {
	var v dbus.Variant
	err := b.conn.Object(upowerService, upowerPath).
		CallWithContext(ctx, propertiesInterface+".Get", 0, upowerInterface, "OnBattery").
		Store(&v)
	if err != nil {
		return false, fmt.Errorf("read UPower.OnBattery: %w", err)
	}
	onBattery, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("UPower.OnBattery: unexpected type %s", v.Signature())
	}
	return !onBattery, nil
}

// Watch subscribes to power and link changes and forwards them as events
// until ctx is canceled.
func (b *SystemBus) Watch(ctx context.Context, power, bluetooth bool, events chan<- Event) error {
	if power {
		if err := b.conn.AddMatchSignalContext(ctx,
			dbus.WithMatchObjectPath(upowerPath),
			dbus.WithMatchInterface(propertiesInterface),
			dbus.WithMatchMember(propertiesChanged),
		); err != nil {
			return fmt.Errorf("subscribe UPower: %w", err)
		}
	}
	if bluetooth {
		if err := b.conn.AddMatchSignalContext(ctx,
			dbus.WithMatchSender(bluezService),
			dbus.WithMatchInterface(propertiesInterface),
			dbus.WithMatchMember(propertiesChanged),
			dbus.WithMatchArg(0, bluezDeviceInterface),
		); err != nil {
			return fmt.Errorf("subscribe BlueZ: %w", err)
		}
		b.reportConnectedLinks(ctx, events)
	}

	signals := make(chan *dbus.Signal, 16)
	b.conn.Signal(signals)
	defer b.conn.RemoveSignal(signals)

	b.logger.Info("watching system bus", "power", power, "bluetooth", bluetooth)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("system bus connection closed")
			}
			ev, ok := b.translate(sig, power, bluetooth)
			if !ok {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (b *SystemBus) translate(sig *dbus.Signal, power, bluetooth bool) (Event, bool) {
	if sig == nil || sig.Name != propertiesInterface+"."+propertiesChanged {
		return nil, false
	}
	iface, changed, ok := parsePropertiesChanged(sig.Body)
	if !ok {
		return nil, false
	}

	switch {
	case power && iface == upowerInterface && sig.Path == upowerPath:
		onBattery, ok := boolProperty(changed, "OnBattery")
		if !ok {
			return nil, false
		}
		return PowerChanged{Connected: !onBattery}, true

	case bluetooth && iface == bluezDeviceInterface:
		connected, ok := boolProperty(changed, "Connected")
		if !ok {
			return nil, false
		}
		// The device object may already be gone, so disconnects are not
		// filtered on UUIDs. The cache ignores devices it never recorded.
		if !connected {
			if addr, ok := addressFromPath(sig.Path); ok {
				return LinkChanged{Address: addr, Connected: false}, true
			}
		}
		addr, isAudio, err := b.deviceInfo(sig.Path)
		if err != nil {
			b.logger.Warn("could not read bluetooth device", "path", sig.Path, "error", err)
			return nil, false
		}
		if !isAudio {
			return nil, false
		}
		return LinkChanged{Address: addr, Connected: connected}, true
	}
	return nil, false
}

// addressFromPath recovers the device address from a BlueZ object path such
// as /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func addressFromPath(path dbus.ObjectPath) (string, bool) {
	p := string(path)
	i := strings.LastIndex(p, "/dev_")
	if i < 0 {
		return "", false
	}
	parts := strings.Split(p[i+len("/dev_"):], "_")
	if len(parts) != 6 {
		return "", false
	}
	for _, part := range parts {
		if len(part) != 2 {
			return "", false
		}
	}
	return strings.Join(parts, ":"), true
}

// deviceInfo reads the address of a BlueZ device and whether it is an A2DP sink.
func (b *SystemBus) deviceInfo(path dbus.ObjectPath) (string, bool, error) {
	obj := b.conn.Object(bluezService, path)

	addrV, err := obj.GetProperty(bluezDeviceInterface + ".Address")
	if err != nil {
		return "", false, err
	}
	uuidsV, err := obj.GetProperty(bluezDeviceInterface + ".UUIDs")
	if err != nil {
		return "", false, err
	}
	addr, _ := addrV.Value().(string)
	uuids, _ := uuidsV.Value().([]string)
	return addr, hasAudioSink(uuids), nil
}

// reportConnectedLinks seeds the link cache with audio devices that were
// already connected before the daemon started.
func (b *SystemBus) reportConnectedLinks(ctx context.Context, events chan<- Event) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := b.conn.Object(bluezService, "/").
		CallWithContext(ctx, objectManagerInterface+".GetManagedObjects", 0).
		Store(&objects)
	if err != nil {
		b.logger.Warn("could not list bluetooth devices", "error", err)
		return
	}

	for _, ev := range connectedAudioLinks(objects) {
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// connectedAudioLinks extracts connected A2DP sinks from a GetManagedObjects reply.
func connectedAudioLinks(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant) []LinkChanged {
	var out []LinkChanged
	for _, ifaces := range objects {
		props, ok := ifaces[bluezDeviceInterface]
		if !ok {
			continue
		}
		connected, _ := boolProperty(props, "Connected")
		if !connected {
			continue
		}
		uuids, _ := props["UUIDs"].Value().([]string)
		if !hasAudioSink(uuids) {
			continue
		}
		addr, _ := props["Address"].Value().(string)
		out = append(out, LinkChanged{Address: addr, Connected: true})
	}
	return out
}

func parsePropertiesChanged(body []interface{}) (string, map[string]dbus.Variant, bool) {
	if len(body) < 2 {
		return "", nil, false
	}
	iface, ok := body[0].(string)
	if !ok {
		return "", nil, false
	}
	changed, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return "", nil, false
	}
	return iface, changed, true
}

func boolProperty(props map[string]dbus.Variant, name string) (bool, bool) {
	v, ok := props[name]
	if !ok {
		return false, false
	}
	b, ok := v.Value().(bool)
	return b, ok
}

func hasAudioSink(uuids []string) bool {
	for _, u := range uuids {
		if strings.EqualFold(u, a2dpSinkUUID) {
			return true
		}
	}
	return false
}
