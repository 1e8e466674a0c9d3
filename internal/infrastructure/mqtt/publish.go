package mqtt

import (
	"encoding/json"
	"fmt"
)

// maxPayloadSize caps a single message. Device replies carry descriptors
// and status maps, never frame data.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits for the broker acknowledgement
// (QoS 1 and 2). Retain only presence and state topics; requests, replies
// and transitions must not be retained.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := validate(topic, qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %s: %d byte payload exceeds %d", ErrPublishFailed, topic, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	if err := wait(c.paho.Publish(topic, qos, retained, payload), operationTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// PublishJSON encodes v and publishes it at the configured QoS.
func (c *Client) PublishJSON(topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %s: encoding: %w", ErrPublishFailed, topic, err)
	}
	return c.Publish(topic, payload, c.qos(), retained)
}

// PublishRetained publishes a retained message at the configured QoS, for
// state that late subscribers should see.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, c.qos(), true)
}
