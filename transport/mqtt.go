package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTDialer publishes to the topic named by the endpoint path. Reconnects
// are left to the Publisher.
type MQTTDialer struct {
	QoS          byte
	ClientID     string
	WriteTimeout time.Duration
}

func (d MQTTDialer) Dial(ctx context.Context, endpoint Endpoint) (Conn, error) {
	topic := strings.Trim(endpoint.Path, "/")
	if topic == "" {
		return nil, errors.New("mqtt endpoint needs a topic path")
	}
	clientID := d.ClientID
	if clientID == "" {
		clientID = "inferbridge-" + uuid.NewString()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", endpoint.Address()))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return &mqttConn{client: client, topic: topic, qos: d.QoS, timeout: d.WriteTimeout}, nil
}

type mqttConn struct {
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
}

func (c *mqttConn) Write(ctx context.Context, payload []byte, _ bool) error {
	if !c.client.IsConnectionOpen() {
		return errors.New("mqtt not connected")
	}
	token := c.client.Publish(c.topic, c.qos, false, payload)
	var timeout <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-token.Done():
	case <-timeout:
		return errors.New("publish timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

func (c *mqttConn) Close() error {
	c.client.Disconnect(250)
	return nil
}
