// Package publish forwards reassembled ISO-TP payloads to an MQTT broker.
package publish

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"

	"github.com/LoveWonYoung/canexplorer/tp"
)

// Record is the CBOR document published for every payload.
type Record struct {
	Timestamp     int64  `cbor:"1,keyasint"` // unix nanoseconds
	TxID          uint32 `cbor:"2,keyasint"`
	RxID          uint32 `cbor:"3,keyasint"`
	Payload       []byte `cbor:"4,keyasint"`
	Authenticated bool   `cbor:"5,keyasint,omitempty"`
}

func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("failed to decode CBOR: %w", err)
	}
	return r, nil
}

// Client is the subset of MQTT.Client used by Publisher.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
	Disconnect(quiesce uint)
}

// Publisher sends records to one topic.
type Publisher struct {
	client  Client
	topic   string
	qos     byte
	timeout time.Duration
	logger  *log.Logger
}

func NewPublisher(client Client, topic string, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Default()
	}
	return &Publisher{client: client, topic: topic, timeout: 5 * time.Second, logger: logger}
}

// Connect dials the broker. Credentials may be embedded as tcp://user:pw@host:port.
func Connect(brokerURL, clientID string) (MQTT.Client, error) {
	connectURL, user, pw := splitCredentials(brokerURL)

	opts := MQTT.NewClientOptions()
	opts.AddBroker(connectURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	if user != "" {
		opts.SetUsername(user)
	}
	if pw != "" {
		opts.SetPassword(pw)
	}
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		log.Printf("MQTT: connection lost: %v", err)
	})

	client := MQTT.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("MQTT: connect to %s timed out", connectURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT: connect to %s: %w", connectURL, err)
	}
	log.Printf("MQTT: connected to %s", connectURL)
	return client, nil
}

func splitCredentials(brokerURL string) (connectURL, user, pw string) {
	if !strings.Contains(brokerURL, "@") {
		return brokerURL, "", ""
	}
	protoPrefix := "tcp://"
	rest := brokerURL
	if idx := strings.Index(brokerURL, "://"); idx != -1 {
		protoPrefix, rest = brokerURL[:idx+3], brokerURL[idx+3:]
	}
	userPassword, host, _ := strings.Cut(rest, "@")
	user, pw, _ = strings.Cut(userPassword, ":")
	return protoPrefix + host, user, pw
}

// Publish encodes rec and waits for the broker to accept it.
func (p *Publisher) Publish(rec Record) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.topic, p.qos, false, data)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("MQTT: publish to %s timed out", p.topic)
	}
	return token.Error()
}

// Filter transforms a payload before publishing, e.g. to strip an authentication tag.
// Returning an error skips the payload.
type Filter func(payload []byte) ([]byte, error)

// Run publishes every payload the session reassembles until ctx ends or the session closes.
func (p *Publisher) Run(ctx context.Context, s *tp.Session, filter Filter) error {
	addr := s.Address()
	for {
		payload, err := s.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		rec := Record{
			Timestamp: time.Now().UnixNano(),
			TxID:      addr.ArbitrationID(),
			RxID:      addr.RxArbitrationID(),
			Payload:   payload,
		}
		if filter != nil {
			data, err := filter(payload)
			if err != nil {
				p.logger.Printf("MQTT: payload % 02X not published: %v", payload, err)
				continue
			}
			rec.Payload, rec.Authenticated = data, true
		}
		if err := p.Publish(rec); err != nil {
			p.logger.Printf("MQTT: %v", err)
		}
	}
}

func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
