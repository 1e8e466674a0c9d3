package mqtt

import "fmt"

// Subscribe registers handler for topic, which may contain + and #
// wildcards. The subscription is restored after a reconnect.
//
// Example:
//
//	err := client.Subscribe(mqtt.Topics{}.AllHostStatus(), 1,
//	    func(topic string, payload []byte) error {
//	        status, err := mqtt.DecodeStatus(payload)
//	        ...
//	    })
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := validate(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: %s: nil handler", ErrSubscribeFailed, topic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	// Track first so a reconnect racing with this call restores it.
	c.track(topic, &subscription{qos: qos, handler: handler})
	if err := wait(c.paho.Subscribe(topic, qos, c.dispatch(handler)), operationTimeout); err != nil {
		c.track(topic, nil)
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// track records sub for topic, or forgets topic when sub is nil.
func (c *Client) track(topic string, sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub == nil {
		delete(c.subscriptions, topic)
		return
	}
	c.subscriptions[topic] = *sub
}

// Unsubscribe removes the subscription registered for exactly topic.
// Messages already in flight may still be delivered.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.track(topic, nil)
	if err := wait(c.paho.Unsubscribe(topic), operationTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnsubscribeFailed, topic, err)
	}
	return nil
}

// SubscriptionCount returns the number of tracked subscriptions.
func (c *Client) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions)
}

// HasSubscription reports whether exactly topic is subscribed.
func (c *Client) HasSubscription(topic string) bool {
	c.mu.RLock()
	_, ok := c.subscriptions[topic]
	c.mu.RUnlock()
	return ok
}
