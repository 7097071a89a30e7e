package discovery

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/KevinKickass/OpenLabCore/internal/driver"
	"github.com/KevinKickass/OpenLabCore/internal/transport"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

// Candidate is a device that answered a driver's identity command.
type Candidate struct {
	Config types.DeviceConfig
	// Identity is the decoded handshake reply.
	Identity string
}

// ListSerialPorts returns the serial ports of the host, sorted.
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}

type transportFactory func(drv *driver.Driver, cfg types.DeviceConfig) (transport.Transport, error)

// Prober tries each driver's handshake on candidate ports. It never
// applies start states; probing only reads.
type Prober struct {
	drivers      []*driver.Driver
	timeout      time.Duration
	logger       *zap.Logger
	newTransport transportFactory
}

func NewProber(drivers *driver.Registry, timeout time.Duration, logger *zap.Logger) *Prober {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	var probing []*driver.Driver
	for _, d := range drivers.All() {
		if d.Handshake != nil {
			probing = append(probing, d)
		}
	}
	return &Prober{
		drivers: probing,
		timeout: timeout,
		logger:  logger,
		newTransport: func(drv *driver.Driver, cfg types.DeviceConfig) (transport.Transport, error) {
			return drv.NewTransport(cfg)
		},
	}
}

// Probe checks every port and returns one candidate per identified port.
func (p *Prober) Probe(ctx context.Context, ports []string) []Candidate {
	var found []Candidate
	for _, port := range ports {
		if ctx.Err() != nil {
			break
		}
		c, ok := p.probePort(port)
		if ok {
			found = append(found, c)
		}
	}
	return found
}

func (p *Prober) probePort(port string) (Candidate, bool) {
	for _, drv := range p.drivers {
		cfg := types.DeviceConfig{
			ID:   StubID(drv.Type, port),
			Type: drv.Type,
			Transport: types.TransportConfig{
				Kind:    types.TransportSerial,
				Port:    port,
				Timeout: p.timeout,
			},
		}

		identity, err := p.handshake(drv, cfg)
		if err != nil {
			p.logger.Debug("No answer",
				zap.String("port", port),
				zap.String("type", drv.Type),
				zap.Error(err))
			continue
		}

		p.logger.Info("Device found",
			zap.String("port", port),
			zap.String("type", drv.Type),
			zap.String("identity", identity))
		return Candidate{Config: cfg, Identity: identity}, true
	}
	return Candidate{}, false
}

func (p *Prober) handshake(drv *driver.Driver, cfg types.DeviceConfig) (string, error) {
	c, err := drv.BuildCodec(cfg)
	if err != nil {
		return "", err
	}
	frame, err := c.Encode(*drv.Handshake)
	if err != nil {
		return "", err
	}

	t, err := p.newTransport(drv, cfg)
	if err != nil {
		return "", err
	}
	if err := t.Open(); err != nil {
		return "", err
	}
	defer t.Close()

	if err := t.Flush(); err != nil {
		return "", err
	}
	if err := t.Write(frame.Payload); err != nil {
		return "", err
	}
	reply, err := t.ReadUntil(frame.Reply, p.timeout)
	if err != nil {
		return "", err
	}
	res, err := c.Decode(*drv.Handshake, reply)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(res.Value), nil
}

var idUnsafe = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// StubID derives a config id from the driver type and the port name.
func StubID(deviceType, port string) string {
	return idUnsafe.ReplaceAllString(deviceType+"-"+filepath.Base(port), "-")
}

// WriteStubs writes candidates as a devices: section that can be pasted
// into the server configuration.
func WriteStubs(w io.Writer, candidates []Candidate) error {
	doc := struct {
		Devices []types.DeviceConfig `yaml:"devices"`
	}{}
	for _, c := range candidates {
		doc.Devices = append(doc.Devices, c.Config)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to write stubs: %w", err)
	}
	return enc.Close()
}
