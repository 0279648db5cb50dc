package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/rl1809/pickline/internal/core/domain"
	"github.com/rl1809/pickline/internal/core/service"
)

const eventOffline = "offline"

type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

type MessageHandler func(topic string, payload []byte) error

// MQTTTransport is the slice of an MQTT client the gateway needs.
type MQTTTransport interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Disconnect()
}

// MQTTClient wraps a paho client.
type MQTTClient struct {
	client mqtt.Client
	log    *zap.Logger
}

func NewMQTTClient(cfg MQTTConfig, log *zap.Logger) (*MQTTClient, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return &MQTTClient{client: client, log: log}, nil
}

func (c *MQTTClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.log.Warn("mqtt message rejected", zap.String("topic", msg.Topic()), zap.Error(err))
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Publish hands the message to paho without waiting for the broker acknowledgement.
func (c *MQTTClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
		}
	default:
	}
	return nil
}

func (c *MQTTClient) Disconnect() {
	c.client.Disconnect(250)
}

// MQTTGateway lets devices that speak MQTT join the same registry as websocket devices.
// Devices publish to <prefix>/devices/<id>/events and read <prefix>/devices/<id>/display.
type MQTTGateway struct {
	transport MQTTTransport
	session   *service.SessionService
	prefix    string
	qos       byte
	log       *zap.Logger
}

func NewMQTTGateway(transport MQTTTransport, session *service.SessionService, prefix string, qos byte, log *zap.Logger) *MQTTGateway {
	return &MQTTGateway{
		transport: transport,
		session:   session,
		prefix:    strings.TrimSuffix(prefix, "/"),
		qos:       qos,
		log:       log,
	}
}

func (g *MQTTGateway) Start() error {
	topic := g.prefix + "/devices/+/events"
	if err := g.transport.Subscribe(topic, g.qos, g.handle); err != nil {
		return err
	}
	g.log.Info("mqtt gateway subscribed", zap.String("topic", topic))
	return nil
}

func (g *MQTTGateway) Stop() {
	g.transport.Disconnect()
}

func (g *MQTTGateway) deviceFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, g.prefix+"/devices/")
	if !ok {
		return "", false
	}
	id, suffix, ok := strings.Cut(rest, "/")
	if !ok || suffix != "events" || id == "" {
		return "", false
	}
	return id, true
}

func (g *MQTTGateway) handle(topic string, payload []byte) error {
	deviceID, ok := g.deviceFromTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected topic %q", topic)
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("malformed frame from %s: %w", deviceID, err)
	}

	conn := &mqttConn{id: "mqtt:" + deviceID, deviceID: deviceID, gateway: g}
	switch env.Event {
	case eventOffline:
		g.session.Disconnect(conn.id)
		return nil
	case domain.EventDeviceRegister:
		// the topic is the device identity; the payload cannot rebind it
		return g.session.Register(conn, domain.RegisterPayload{Type: domain.RoleDevice, DeviceID: deviceID})
	default:
		data := env.Data
		if env.Event == domain.EventItemCompleted {
			data = withTopicDevice(data, deviceID)
		}
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		return g.session.Dispatch(ctx, conn, env.Event, data)
	}
}

// withTopicDevice stamps the topic's device onto a completion report. Undecodable reports
// pass through unchanged so validation reports them to the device.
func withTopicDevice(data json.RawMessage, deviceID string) json.RawMessage {
	var report domain.CompletionReport
	if err := json.Unmarshal(data, &report); err != nil {
		return data
	}
	report.DeviceID = deviceID
	out, err := json.Marshal(report)
	if err != nil {
		return data
	}
	return out
}

func (g *MQTTGateway) displayTopic(deviceID string) string {
	return g.prefix + "/devices/" + deviceID + "/display"
}

type mqttConn struct {
	id       string
	deviceID string
	gateway  *MQTTGateway
}

func (c *mqttConn) ID() string { return c.id }

func (c *mqttConn) Send(event string, payload any) error {
	frame, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	return c.gateway.transport.Publish(c.gateway.displayTopic(c.deviceID), c.gateway.qos, false, frame)
}

var _ MQTTTransport = (*MQTTClient)(nil)
