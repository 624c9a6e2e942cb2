package mqtt

import (
	"errors"
	"sync"
	"time"

	paho_mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/anicoll/espeasy-integration/internal/pkg/config"
	"github.com/anicoll/espeasy-integration/internal/pkg/model"
)

const (
	discoveryPrefix = "homeassistant"
	statePrefix     = "espeasy"
	publishTimeout  = 5 * time.Second
)

var errTimeout = errors.New("timed out waiting for broker")

type service struct {
	client paho_mqtt.Client

	mu         sync.Mutex
	devices    map[string]model.Device
	configured map[string]struct{}
}

func New(client paho_mqtt.Client) *service {
	return &service{
		client:     client,
		devices:    make(map[string]model.Device),
		configured: make(map[string]struct{}),
	}
}

// NewClient builds a paho client for the configured broker. The client
// reconnects on its own once connected.
func NewClient(cfg *config.MqttConfig) paho_mqtt.Client {
	opts := paho_mqtt.NewClientOptions().
		AddBroker(cfg.Host).
		SetClientID("espeasy-integration").
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(publishTimeout)
	return paho_mqtt.NewClient(opts)
}

func (s *service) Connect() error {
	token := s.client.Connect()
	res := token.WaitTimeout(time.Second * 5)
	if res {
		return token.Error()
	}
	if err := token.Error(); err != nil {
		return err
	}
	return errors.New("unable to connect in time")
}

func (s *service) Disconnect() {
	s.client.Disconnect(250)
}
