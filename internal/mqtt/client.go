package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	publishTimeout = 5 * time.Second
	// TopicRoot prefixes every state and availability topic.
	TopicRoot = "bench_charger"
)

// Client is a thin wrapper over paho with a last-will on the availability
// topic, so Home Assistant marks the charger offline if the process dies.
type Client struct {
	client   paho.Client
	deviceID string
	logger   *logrus.Logger
}

// BrokerURL maps the accepted schemes onto what paho dials.
// ws and wss pass through, mqtt becomes tcp, mqtts becomes ssl.
func BrokerURL(raw string) (broker string, secure bool, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("invalid MQTT URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		return raw, false, nil
	case "wss":
		return raw, true, nil
	case "mqtt", "tcp":
		return "tcp://" + strings.TrimPrefix(raw, u.Scheme+"://"), false, nil
	case "mqtts", "ssl":
		return "ssl://" + strings.TrimPrefix(raw, u.Scheme+"://"), true, nil
	default:
		return "", false, fmt.Errorf("unsupported protocol scheme: %s (supported: ws, wss, mqtt, mqtts)", u.Scheme)
	}
}

// NewClient connects to the broker named by mqttURL. Credentials may be
// given in the URL userinfo.
func NewClient(mqttURL, deviceID string, logger *logrus.Logger) (*Client, error) {
	broker, secure, err := BrokerURL(mqttURL)
	if err != nil {
		return nil, err
	}
	parsed, _ := url.Parse(mqttURL)

	clientID := fmt.Sprintf("bench-charger-%s", deviceID)

	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(2 * time.Second)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetWill(AvailabilityTopic(deviceID), "offline", 1, true)
	if secure {
		// Lab brokers commonly run self-signed certificates.
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	if parsed.User != nil {
		password, _ := parsed.User.Password()
		opts.SetUsername(parsed.User.Username())
		opts.SetPassword(password)
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.WithError(err).Warn("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		logger.Debug("MQTT reconnecting...")
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.WithFields(logrus.Fields{
		"broker":    cleanURL(mqttURL),
		"client_id": clientID,
	}).Info("MQTT client connected")

	return &Client{client: client, deviceID: deviceID, logger: logger}, nil
}

// Publish sends at QoS 1 and waits at most publishTimeout for the ack.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	token := c.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to topic %s timed out after %s", topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	c.logger.WithFields(logrus.Fields{
		"topic":    topic,
		"size":     len(payload),
		"retained": retained,
	}).Debug("Published MQTT message")
	return nil
}

func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect waits up to quiesce milliseconds for in-flight work.
func (c *Client) Disconnect(quiesce uint) {
	c.client.Disconnect(quiesce)
	c.logger.Debug("MQTT client disconnected")
}

// BaseTopic is the per-device topic prefix.
func BaseTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s", TopicRoot, deviceID)
}

func StateTopic(deviceID string) string {
	return BaseTopic(deviceID) + "/state"
}

func AvailabilityTopic(deviceID string) string {
	return BaseTopic(deviceID) + "/availability"
}

// cleanURL hides credentials for logging.
func cleanURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if parsed.User != nil {
		parsed.User = url.UserPassword("***", "***")
	}
	return parsed.String()
}
