package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/enbility/zeroconf/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	"github.com/KevinKickass/OpenLabCore/internal/driver"
	"github.com/KevinKickass/OpenLabCore/internal/drivers"
	"github.com/KevinKickass/OpenLabCore/internal/drivers/runze"
	"github.com/KevinKickass/OpenLabCore/internal/drivers/switchbox"
	"github.com/KevinKickass/OpenLabCore/internal/events"
	"github.com/KevinKickass/OpenLabCore/internal/transport"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

func TestProbeIdentifiesDevices(t *testing.T) {
	reg, err := drivers.Builtin()
	require.NoError(t, err)

	attached := map[string]string{
		"/dev/ttyUSB0": switchbox.Type,
		"/dev/ttyUSB1": runze.Type,
	}

	p := NewProber(reg, 30*time.Millisecond, zaptest.NewLogger(t))
	p.newTransport = func(drv *driver.Driver, cfg types.DeviceConfig) (transport.Transport, error) {
		addr := t.Name() + cfg.Transport.Port + drv.Type
		if attached[cfg.Transport.Port] == drv.Type {
			return transport.NewSimulated(addr, drv.Simulator(nil)), nil
		}
		silent := transport.ResponderFunc(func([]byte) ([]byte, error) { return nil, nil })
		return transport.NewSimulated(addr, silent), nil
	}

	found := p.Probe(context.Background(), []string{"/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyS9"})
	require.Len(t, found, 2)

	assert.Equal(t, switchbox.Type, found[0].Config.Type)
	assert.Equal(t, "mpikg-switch-box-ttyUSB0", found[0].Config.ID)
	assert.Equal(t, types.TransportSerial, found[0].Config.Transport.Kind)
	assert.NotEmpty(t, found[0].Identity)

	assert.Equal(t, runze.Type, found[1].Config.Type)
	assert.Equal(t, "/dev/ttyUSB1", found[1].Config.Transport.Port)

	var buf bytes.Buffer
	require.NoError(t, WriteStubs(&buf, found))

	var doc struct {
		Devices []types.DeviceConfig `yaml:"devices"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.Devices, 2)
	assert.Equal(t, found[1].Config.ID, doc.Devices[1].ID)
	assert.Contains(t, buf.String(), "timeout: 30ms")
}

func TestProbeStopsOnCancel(t *testing.T) {
	reg, err := drivers.Builtin()
	require.NoError(t, err)
	p := NewProber(reg, 10*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, p.Probe(ctx, []string{"/dev/ttyUSB0"}))
}

func TestStubID(t *testing.T) {
	assert.Equal(t, "runze-sv06-ttyUSB0", StubID("runze-sv06", "/dev/ttyUSB0"))
	assert.Equal(t, "knauer-valve-COM3", StubID("knauer-valve", "COM3"))
	assert.Equal(t, "knauer-valve-tty-usbserial-1", StubID("knauer-valve", "/dev/tty usbserial:1"))
}

type fakeRegistration struct{ closed bool }

func (f *fakeRegistration) Shutdown() { f.closed = true }

type fakeLookup map[string]types.DeviceInfo

func (f fakeLookup) Device(id string) (types.DeviceInfo, error) {
	info, ok := f[id]
	if !ok {
		return types.DeviceInfo{}, fmt.Errorf("%w: %q", types.ErrUnknownDevice, id)
	}
	return info, nil
}

func TestAdvertiserFollowsSessionState(t *testing.T) {
	lookup := fakeLookup{
		"box":   {ID: "box", Type: switchbox.Type, State: "READY"},
		"valve": {ID: "valve", Type: runze.Type, State: "FAULTED"},
	}
	a := NewAdvertiser(AdvertiserConfig{Instance: "lab1", Port: 8080}, lookup, zaptest.NewLogger(t))

	var mu sync.Mutex
	var names []string
	var txts [][]string
	regs := map[string]*fakeRegistration{}
	a.register = func(instance, service, domain string, port int, txt []string, _ []net.Interface, _ ...zeroconf.ServerOption) (registration, error) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, ServiceType, service)
		assert.Equal(t, 8080, port)
		names = append(names, instance)
		txts = append(txts, txt)
		r := &fakeRegistration{}
		regs[instance] = r
		return r, nil
	}

	a.Sync([]types.DeviceInfo{lookup["box"], lookup["valve"]})
	require.Equal(t, 1, a.Advertised())

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	ev := events.New(events.KindStateChanged, "box")
	ev.From, ev.To = "READY", "FAULTED"
	a.Emit(ev)
	require.Eventually(t, func() bool { return a.Advertised() == 0 }, time.Second, 5*time.Millisecond)

	ev = events.New(events.KindStateChanged, "box")
	ev.From, ev.To = "OPENING", "READY"
	a.Emit(ev)
	a.Emit(events.New(events.KindRetry, "box"))
	require.Eventually(t, func() bool { return a.Advertised() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-a.Done()
	assert.Equal(t, 0, a.Advertised())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"lab1-box", "lab1-box"}, names)
	assert.Contains(t, txts[0], "id=box")
	assert.Contains(t, txts[0], "type="+switchbox.Type)
	assert.True(t, regs["lab1-box"].closed)
}

func TestInstanceNameTruncated(t *testing.T) {
	a := NewAdvertiser(AdvertiserConfig{Instance: "lab"}, fakeLookup{}, zaptest.NewLogger(t))
	name := a.InstanceName(strings.Repeat("x", 80))
	assert.Len(t, name, MaxInstanceNameLen)
	assert.True(t, strings.HasPrefix(name, "lab-x"))
}
