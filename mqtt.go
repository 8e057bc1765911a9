package main

import (
	"context"
	"encoding/json"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// fetchJob is the payload accepted on the MQTT intake topic.
type fetchJob struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url"`
}

// Intake turns MQTT messages into fetches and publishes their results.
type Intake struct {
	Logger  *slog.Logger
	Fetcher fetcher
	Topic   string

	jobs chan fetchJob
}

func NewIntake(logger *slog.Logger, f fetcher, topic string) *Intake {
	return &Intake{
		Logger:  logger,
		Fetcher: f,
		Topic:   topic,
		jobs:    make(chan fetchJob, 16),
	}
}

func (in *Intake) resultTopic() string {
	return in.Topic + "/result"
}

// handle decodes one message and queues it. It runs on the paho router
// goroutine and never blocks on the modem.
func (in *Intake) handle(_ mqtt.Client, m mqtt.Message) {
	var job fetchJob
	if err := json.Unmarshal(m.Payload(), &job); err != nil {
		in.Logger.Warn("Bad MQTT payload", "error", err)
		return
	}
	if job.URL == "" {
		in.Logger.Warn("MQTT job without url")
		return
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	select {
	case in.jobs <- job:
	default:
		in.Logger.Warn("MQTT intake full, dropping job", "id", job.ID)
	}
}

// Run executes queued jobs one at a time until ctx is done, publishing
// each result through publish.
func (in *Intake) Run(ctx context.Context, publish func(topic string, payload []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-in.jobs:
			res, err := in.Fetcher.Fetch(ctx, job.ID, job.URL)
			if err != nil {
				in.Logger.Error("Failed to fetch", "error", err, "id", job.ID, "url", job.URL)
				res = &FetchResult{ID: job.ID, URL: job.URL, Error: err.Error()}
			}
			payload, err := json.Marshal(res)
			if err != nil {
				return err
			}
			if err := publish(in.resultTopic(), payload); err != nil {
				in.Logger.Warn("Failed to publish result", "id", job.ID, "error", err)
			}
		}
	}
}

// Connect subscribes the intake on a new client for config.MQTTBroker.
func (in *Intake) Connect(config *Config) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTTBroker)
	opts.SetClientID(config.MQTTClientID)
	if config.MQTTUsername != "" {
		opts.SetUsername(config.MQTTUsername)
		opts.SetPassword(config.MQTTPassword)
	}
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		in.Logger.Warn("MQTT connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		in.Logger.Info("MQTT connected", "topic", in.Topic)
		if token := c.Subscribe(in.Topic, 0, in.handle); token.Wait() && token.Error() != nil {
			in.Logger.Error("MQTT subscribe failed", "topic", in.Topic, "error", token.Error())
		}
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return client, nil
}

// publisher adapts a connected client to Run.
func publisher(client mqtt.Client) func(topic string, payload []byte) error {
	return func(topic string, payload []byte) error {
		token := client.Publish(topic, 0, false, payload)
		token.Wait()
		return token.Error()
	}
}
