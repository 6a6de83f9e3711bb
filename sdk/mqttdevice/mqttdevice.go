// Package mqttdevice implements plan.DeviceWriter by publishing command topics to an MQTT
// broker, following the queue-until-connected sender worker pattern used for outgoing MQTT
// traffic elsewhere in this domain.
package mqttdevice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// publisher is the narrow slice of mqtt.Client this package drives; satisfied directly by
// *mqtt.Client, and easily faked in tests.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

const (
	qos          byte = 1
	outboxDepth       = 256
)

// command is one queued publish, with a channel back to the caller waiting on its result.
type command struct {
	topic   string
	payload []byte
	done    chan error
}

// Writer implements plan.DeviceWriter over MQTT. Commands are published on topics of the
// form "<prefix>/<deviceID>/on-off" and "<prefix>/<deviceID>/target-temperature"; each
// publish is a retained JSON message describing the desired state.
type Writer struct {
	client       publisher
	topicPrefix  string
	outgoing     chan command
	logger       *slog.Logger
}

// New creates a Writer and starts its sender worker. The worker runs until ctx is cancelled.
func New(ctx context.Context, client publisher, topicPrefix string) *Writer {
	w := &Writer{
		client:      client,
		topicPrefix: topicPrefix,
		outgoing:    make(chan command, outboxDepth),
		logger:      slog.Default().With("component", "mqttdevice"),
	}
	go w.senderWorker(ctx)
	return w
}

type onOffPayload struct {
	On bool `json:"on"`
}

type targetTemperaturePayload struct {
	Target float64 `json:"target"`
}

// SetOnOff implements plan.DeviceWriter.
func (w *Writer) SetOnOff(ctx context.Context, deviceID string, on bool) error {
	payload, err := json.Marshal(onOffPayload{On: on})
	if err != nil {
		return fmt.Errorf("marshal on/off payload: %w", err)
	}
	return w.send(ctx, fmt.Sprintf("%s/%s/on-off", w.topicPrefix, deviceID), payload)
}

// SetTargetTemperature implements plan.DeviceWriter.
func (w *Writer) SetTargetTemperature(ctx context.Context, deviceID string, target float64) error {
	payload, err := json.Marshal(targetTemperaturePayload{Target: target})
	if err != nil {
		return fmt.Errorf("marshal target payload: %w", err)
	}
	return w.send(ctx, fmt.Sprintf("%s/%s/target-temperature", w.topicPrefix, deviceID), payload)
}

func (w *Writer) send(ctx context.Context, topic string, payload []byte) error {
	cmd := command{topic: topic, payload: payload, done: make(chan error, 1)}

	select {
	case w.outgoing <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// senderWorker publishes commands in FIFO order, queuing any that arrive while the client is
// disconnected and flushing the queue on the next command once reconnected.
func (w *Writer) senderWorker(ctx context.Context) {
	var queue []command

	flush := func() {
		if w.client == nil || !w.client.IsConnected() {
			return
		}
		for _, cmd := range queue {
			w.publish(cmd)
		}
		queue = nil
	}

	for {
		select {
		case cmd := <-w.outgoing:
			if w.client != nil && w.client.IsConnected() {
				flush()
				w.publish(cmd)
			} else {
				queue = append(queue, cmd)
				w.logger.Warn("MQTT client disconnected, queuing command", "topic", cmd.topic, "queued", len(queue))
			}
		case <-ctx.Done():
			for _, cmd := range queue {
				cmd.done <- ctx.Err()
			}
			return
		}
	}
}

func (w *Writer) publish(cmd command) {
	token := w.client.Publish(cmd.topic, qos, true, cmd.payload)
	token.Wait()
	if err := token.Error(); err != nil {
		w.logger.Error("Failed to publish command", "topic", cmd.topic, "error", err)
		cmd.done <- fmt.Errorf("publish %s: %w", cmd.topic, err)
		return
	}
	cmd.done <- nil
}
