package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
	mqttQuiesce        = 250 // milliseconds
	mqttQueueSize      = 256
)

var ErrMQTTNotConnected = errors.New("mqtt publisher not connected")

// MQTTOptions configures the broker connection of an MQTTPublisher.
type MQTTOptions struct {
	Broker      string // tcp://host:port
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// MQTTPublisher forwards events as JSON to
// <prefix>/devices/<device id>/events. Emit only queues; a background
// goroutine publishes, so a slow broker never stalls a device session.
type MQTTPublisher struct {
	client pahomqtt.Client
	opts   MQTTOptions
	logger *zap.Logger

	queue chan Event
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// ConnectMQTT connects to the broker and starts the publish loop.
func ConnectMQTT(opts MQTTOptions, logger *zap.Logger) (*MQTTPublisher, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker address is required")
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("mqtt: invalid qos %d", opts.QoS)
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "labcore"
	}

	co := pahomqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetConnectTimeout(mqttConnectTimeout)
	co.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})

	client := pahomqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", opts.Broker, err)
	}

	p := &MQTTPublisher{
		client: client,
		opts:   opts,
		logger: logger.Named("mqtt"),
		queue:  make(chan Event, mqttQueueSize),
	}
	p.wg.Add(1)
	go p.loop()

	p.logger.Info("MQTT event publisher connected",
		zap.String("broker", opts.Broker),
		zap.String("topic_prefix", opts.TopicPrefix))
	return p, nil
}

// Topic returns the topic events of deviceID are published to.
func (p *MQTTPublisher) Topic(deviceID string) string {
	return fmt.Sprintf("%s/devices/%s/events", p.opts.TopicPrefix, deviceID)
}

func (p *MQTTPublisher) Emit(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	select {
	case p.queue <- e:
	default:
		p.logger.Warn("MQTT event queue full, event dropped",
			zap.String("device_id", e.DeviceID),
			zap.String("kind", string(e.Kind)))
	}
}

func (p *MQTTPublisher) loop() {
	defer p.wg.Done()
	for e := range p.queue {
		if err := p.publish(e); err != nil {
			p.logger.Warn("Failed to publish event",
				zap.String("device_id", e.DeviceID),
				zap.Error(err))
		}
	}
}

func (p *MQTTPublisher) publish(e Event) error {
	if !p.client.IsConnected() {
		return ErrMQTTNotConnected
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.Topic(e.DeviceID), p.opts.QoS, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("publish timed out after %v", mqttPublishTimeout)
	}
	return token.Error()
}

// Close drains queued events and disconnects. Safe to call twice.
func (p *MQTTPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.client.Disconnect(mqttQuiesce)
}

var _ Sink = (*MQTTPublisher)(nil)
