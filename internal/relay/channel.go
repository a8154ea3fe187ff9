package relay

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Relay wire polarity: the relay must be energized to keep a casier locked,
// so "open" publishes the de-assert value and "close" the assert value.
const (
	payloadOpen  = "0"
	payloadClose = "1"
)

const (
	reconnectInterval = 5 * time.Second
	publishWait       = 3 * time.Second
	keepAlive         = 60 * time.Second
)

// publisher is the slice of mqtt.Client the channel needs; narrowed so tests
// can substitute a fake.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Channel pulses the physical lock relays over MQTT, one topic per casier.
// Publishes fail fast when the broker is unreachable; the paho client retries
// the connection in the background on a fixed interval.
type Channel struct {
	client      publisher
	topicPrefix string
	qos         byte
	logger      *zap.Logger
}

// NewChannel builds the channel and starts the broker connection in the
// background. The constructor never blocks on the network.
func NewChannel(brokerURL, username, password, clientID, topicPrefix string, qos byte, logger *zap.Logger) *Channel {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetUsername(username).
		SetPassword(password).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnectInterval).
		SetMaxReconnectInterval(reconnectInterval)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("relay broker connected", zap.String("broker", brokerURL))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("relay broker connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	ch := &Channel{
		client:      client,
		topicPrefix: topicPrefix,
		qos:         qos,
		logger:      logger,
	}

	go func() {
		token := client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			logger.Warn("relay initial connect failed, retrying in background", zap.Error(err))
		}
	}()

	return ch
}

// Open pulses the relay for the casier open. Returns false when the broker is
// unreachable or the publish is not confirmed in time.
func (c *Channel) Open(index int) bool {
	return c.publish(index, payloadOpen, "open")
}

// Close pulses the relay for the casier closed.
func (c *Channel) Close(index int) bool {
	return c.publish(index, payloadClose, "close")
}

// IsConnected reports current broker connectivity.
func (c *Channel) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect tears down the broker connection.
func (c *Channel) Disconnect() {
	c.client.Disconnect(250)
	c.logger.Info("relay broker disconnected")
}

func (c *Channel) publish(index int, payload, action string) bool {
	if !c.client.IsConnected() {
		c.logger.Warn("relay not connected, skipping pulse",
			zap.Int("casier", index), zap.String("action", action))
		return false
	}

	topic := c.topic(index)
	token := c.client.Publish(topic, c.qos, false, payload)
	if !token.WaitTimeout(publishWait) {
		c.logger.Warn("relay publish timed out", zap.String("topic", topic), zap.String("action", action))
		return false
	}
	if err := token.Error(); err != nil {
		c.logger.Warn("relay publish failed", zap.String("topic", topic), zap.Error(err))
		return false
	}

	c.logger.Info("relay pulse sent", zap.Int("casier", index), zap.String("action", action))
	return true
}

func (c *Channel) topic(index int) string {
	// Physical relays are numbered from 1.
	return fmt.Sprintf("%s/casier%d", c.topicPrefix, index+1)
}
