package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"railwatch/internal/logger"
)

// MQTTNotifier publishes a JSON fault event for downstream consumers.
type MQTTNotifier struct {
	client mqtt.Client
	topic  string
}

type MQTTOptions struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
}

// faultEvent is the MQTT payload.
type faultEvent struct {
	ID               int64     `json:"id"`
	FaultName        string    `json:"fault_name"`
	Confidence       float64   `json:"confidence"`
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	ImageURL         string    `json:"image_url,omitempty"`
	FeedbackRequired bool      `json:"feedback_required"`
}

func NewMQTTNotifier(opts MQTTOptions, logger *logger.Logger) (*MQTTNotifier, error) {
	if opts.Broker == "" || opts.Topic == "" {
		return nil, fmt.Errorf("MQTT broker and topic are required")
	}
	if opts.ClientID == "" {
		opts.ClientID = "railwatch"
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetUsername(opts.Username)
	clientOpts.SetPassword(opts.Password)
	clientOpts.SetCleanSession(true)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("Connected to MQTT broker: %s", opts.Broker)
	})
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warning("Connection to MQTT broker lost: %s, error: %v", opts.Broker, err)
	})

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connection error: %w", err)
	}
	return &MQTTNotifier{client: client, topic: opts.Topic}, nil
}

func (n *MQTTNotifier) Name() string { return "mqtt" }

func (n *MQTTNotifier) Send(_ context.Context, msg Message) error {
	if !n.client.IsConnected() {
		return fmt.Errorf("not connected to MQTT broker")
	}

	payload, err := eventPayload(msg)
	if err != nil {
		return err
	}

	token := n.client.Publish(n.topic, 1, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() {
	if n.client.IsConnected() {
		n.client.Disconnect(250)
	}
}

func eventPayload(msg Message) ([]byte, error) {
	return json.Marshal(faultEvent{
		ID:               msg.Fault.ID,
		FaultName:        msg.Fault.FaultName,
		Confidence:       msg.Fault.Confidence,
		Status:           string(msg.Fault.Status),
		Timestamp:        msg.Fault.Timestamp,
		ImageURL:         msg.ImageURL,
		FeedbackRequired: msg.FeedbackRequired,
	})
}
