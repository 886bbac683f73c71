package transmission

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jkaberg/bench-charger/internal/domain"
	"github.com/jkaberg/bench-charger/internal/mqtt"
	"github.com/sirupsen/logrus"
)

// MQTTTransmitter publishes charge samples to MQTT and announces them to Home
// Assistant via discovery. It is a bus sink.
type MQTTTransmitter struct {
	client          Publisher
	deviceID        string
	discoveryPrefix string
	sessionID       string
	interval        time.Duration
	device          HADevice
	logger          *logrus.Logger

	publishedSensors map[string]bool // discovery configs already sent
	lastSent         time.Time
	online           bool
}

// HADiscoveryConfig represents Home Assistant MQTT discovery configuration
type HADiscoveryConfig struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	Device            HADevice `json:"device"`
	AvailabilityTopic string   `json:"availability_topic"`
	Icon              string   `json:"icon,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
}

// HADevice represents the device information for Home Assistant
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// MQTTOptions configures a transmitter.
type MQTTOptions struct {
	DeviceID        string
	DiscoveryPrefix string
	SessionID       string
	Model           string        // reported as the device model
	Interval        time.Duration // minimum spacing of state messages
	Version         string
}

type statePayload struct {
	Voltage   float64 `json:"voltage"`
	Current   float64 `json:"current"`
	AmpHours  float64 `json:"amp_hours"`
	WattHours float64 `json:"watt_hours"`
	Elapsed   float64 `json:"elapsed"`
	Phase     string  `json:"phase"`
	Reason    string  `json:"reason,omitempty"`
	Session   string  `json:"session"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// NewMQTTTransmitter creates a new MQTT transmitter
func NewMQTTTransmitter(client Publisher, opts MQTTOptions, logger *logrus.Logger) *MQTTTransmitter {
	return &MQTTTransmitter{
		client:          client,
		deviceID:        opts.DeviceID,
		discoveryPrefix: opts.DiscoveryPrefix,
		sessionID:       opts.SessionID,
		interval:        opts.Interval,
		device: HADevice{
			Identifiers:  []string{fmt.Sprintf("bench_charger_%s", opts.DeviceID)},
			Name:         "Bench Charger",
			Model:        opts.Model,
			Manufacturer: "Rigol",
			SWVersion:    opts.Version,
		},
		logger:           logger,
		publishedSensors: make(map[string]bool),
	}
}

func (t *MQTTTransmitter) Name() string { return "mqtt" }

// OnSample publishes the sample unless the previous state message is younger
// than the configured interval. Discovery and availability go out with the
// first published sample.
func (t *MQTTTransmitter) OnSample(s domain.Sample) error {
	if !t.lastSent.IsZero() && s.Timestamp.Sub(t.lastSent) < t.interval {
		return nil
	}
	if !t.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	t.publishDiscoveryConfigs()

	if !t.online {
		if err := t.publishAvailability(true); err != nil {
			return err
		}
		t.online = true
	}

	if err := t.publishState(newState(s, domain.Charging, t.sessionID)); err != nil {
		return err
	}
	t.lastSent = s.Timestamp
	return nil
}

// OnSessionEnd publishes the final totals and marks the device offline.
func (t *MQTTTransmitter) OnSessionEnd(sum domain.Summary) error {
	if !t.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	var last domain.Sample
	if sum.Last != nil {
		last = *sum.Last
	}
	state := newState(last, sum.Phase, t.sessionID)
	state.AmpHours = sum.AmpHours
	state.WattHours = sum.WattHours
	state.Reason = string(sum.Reason)

	stateErr := t.publishState(state)
	if err := t.publishAvailability(false); err != nil {
		return err
	}
	t.online = false
	return stateErr
}

func newState(s domain.Sample, phase domain.Phase, session string) statePayload {
	p := statePayload{
		Voltage:   s.Voltage,
		Current:   s.Current,
		AmpHours:  s.AmpHours,
		WattHours: s.WattHours,
		Elapsed:   s.Elapsed,
		Phase:     phase.String(),
		Session:   session,
	}
	if !s.Timestamp.IsZero() {
		p.Timestamp = s.Timestamp.UTC().Format(time.RFC3339)
	}
	return p
}

// publishDiscoveryConfigs sends the discovery config of every entity not yet
// announced. Failures are logged and retried with the next sample.
func (t *MQTTTransmitter) publishDiscoveryConfigs() {
	for _, e := range Entities {
		if err := t.publishDiscoveryForEntity(e); err != nil {
			t.logger.WithError(err).WithField("entity", e.ID).Error("Failed to publish discovery config")
		}
	}
}

func (t *MQTTTransmitter) publishDiscoveryForEntity(e Entity) error {
	uniqueID := fmt.Sprintf("%s_%s", t.deviceID, e.ID)
	if t.publishedSensors[uniqueID] {
		return nil
	}

	config := HADiscoveryConfig{
		Name:              e.Name,
		UniqueID:          uniqueID,
		StateTopic:        mqtt.StateTopic(t.deviceID),
		ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", e.ID),
		AvailabilityTopic: mqtt.AvailabilityTopic(t.deviceID),
		Device:            t.device,
		DeviceClass:       e.DeviceClass,
		UnitOfMeasurement: e.Unit,
		Icon:              e.Icon,
		StateClass:        e.StateClass,
	}

	topic := DiscoveryTopic(t.discoveryPrefix, t.deviceID, e.ID)
	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal discovery config: %w", err)
	}
	if err := t.client.Publish(topic, payload, true); err != nil {
		return fmt.Errorf("failed to publish %s discovery config: %w", e.Name, err)
	}

	t.logger.WithFields(logrus.Fields{
		"entity_id": e.ID,
		"topic":     topic,
	}).Debug("Published sensor discovery config")

	t.publishedSensors[uniqueID] = true
	return nil
}

// DiscoveryTopic is where Home Assistant looks for an entity's config.
func DiscoveryTopic(prefix, deviceID, entityID string) string {
	return fmt.Sprintf("%s/sensor/bench_charger_%s/%s/config", prefix, deviceID, entityID)
}

func (t *MQTTTransmitter) publishState(state statePayload) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to build state payload: %w", err)
	}

	topic := mqtt.StateTopic(t.deviceID)
	if err := t.client.Publish(topic, payload, true); err != nil {
		return fmt.Errorf("failed to publish state to %s: %w", topic, err)
	}

	t.logger.WithFields(logrus.Fields{
		"topic":   topic,
		"payload": string(payload),
	}).Debug("Published charger state")
	return nil
}

func (t *MQTTTransmitter) publishAvailability(online bool) error {
	payload := "offline"
	if online {
		payload = "online"
	}

	topic := mqtt.AvailabilityTopic(t.deviceID)
	if err := t.client.Publish(topic, []byte(payload), true); err != nil {
		return fmt.Errorf("failed to publish availability to %s: %w", topic, err)
	}
	return nil
}
