package mqtt

import (
	"encoding/json"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/picogov/internal/errors"
	"codeberg.org/mutker/picogov/internal/governor"
	"codeberg.org/mutker/picogov/internal/profile"
)

func TestStatusPayload(t *testing.T) {
	s := governor.Snapshot{
		Timestamp:    time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
		Chip:         profile.RP2350,
		Level:        profile.Performance,
		Frequency:    200_000,
		Voltage:      1100,
		InstantLoad:  63.5,
		SmoothedLoad: 48.2,
		Temperature:  41.7,
		Throttled:    false,
		TurboActive:  false,
		BoostActive:  true,
		Override:     true,
	}

	p := NewStatusPayload(s)
	assert.Equal(t, "2025-03-14T09:26:53Z", p.Timestamp)
	assert.Equal(t, "RP2350", p.Chip)
	assert.Equal(t, "PERFORMANCE", p.Level)
	assert.Equal(t, 200_000, p.FrequencyKHz)
	assert.Equal(t, 1100, p.VoltageMV)
	assert.InDelta(t, 63.5, p.LoadInstant, 0.001)
	assert.InDelta(t, 48.2, p.LoadSmoothed, 0.001)
	assert.InDelta(t, 41.7, p.Temperature, 0.001)
	assert.False(t, p.Throttled)
	assert.False(t, p.Turbo)
	assert.True(t, p.Boost)
	assert.True(t, p.Override)
}

func TestStatusPayloadJSONKeys(t *testing.T) {
	raw, err := json.Marshal(NewStatusPayload(governor.Snapshot{}))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))

	for _, key := range []string{
		"timestamp", "chip", "level", "frequency_khz", "voltage_mv",
		"load_instant", "load_smoothed", "temperature",
		"throttled", "turbo", "boost", "override",
	} {
		assert.Contains(t, doc, key)
	}
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL("localhost:1883"))
	assert.Equal(t, "tcp://broker.local:1883", brokerURL("tcp://broker.local:1883"))
	assert.Equal(t, "ssl://broker.local:8883", brokerURL("ssl://broker.local:8883"))
}

func TestClientID(t *testing.T) {
	assert.Equal(t, "bench-governor", clientID("bench-governor"))
	assert.True(t, len(clientID("")) >= len(defaultTopic))
}

func TestNewRequiresBroker(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, ErrInvalidConfig))
}

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Error() error                   { return nil }

func (fakeToken) Done() <-chan struct{} {
	done := make(chan struct{})
	close(done)

	return done
}

type publishRecord struct {
	topic    string
	qos      byte
	retained bool
	payload  any
}

type fakeClient struct {
	connected bool
	published []publishRecord
}

func (f *fakeClient) IsConnected() bool      { return f.connected }
func (f *fakeClient) IsConnectionOpen() bool { return f.connected }
func (f *fakeClient) Connect() paho.Token    { return fakeToken{} }
func (f *fakeClient) Disconnect(uint)        { f.connected = false }

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload any) paho.Token {
	f.published = append(f.published, publishRecord{topic, qos, retained, payload})

	return fakeToken{}
}

func (f *fakeClient) Subscribe(string, byte, paho.MessageHandler) paho.Token { return fakeToken{} }

func (f *fakeClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return fakeToken{}
}

func (f *fakeClient) Unsubscribe(...string) paho.Token        { return fakeToken{} }
func (f *fakeClient) AddRoute(string, paho.MessageHandler)    {}
func (f *fakeClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }

func TestPublishStatusTopic(t *testing.T) {
	client := &fakeClient{connected: true}
	p := &Publisher{client: client, topic: "bench/picogov"}

	require.NoError(t, p.PublishStatus(governor.Snapshot{Chip: profile.RP2040, Level: profile.Balanced}))

	require.Len(t, client.published, 1)
	rec := client.published[0]
	assert.Equal(t, "bench/picogov/status", rec.topic)
	assert.Equal(t, byte(0), rec.qos)
	assert.False(t, rec.retained)

	raw, ok := rec.payload.([]byte)
	require.True(t, ok)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "BALANCED", doc["level"])
}

func TestPublishStatusSkippedWhileDisconnected(t *testing.T) {
	client := &fakeClient{}
	p := &Publisher{client: client, topic: "picogov"}

	require.NoError(t, p.PublishStatus(governor.Snapshot{}))
	assert.Empty(t, client.published)
}

func TestCloseMarksOffline(t *testing.T) {
	client := &fakeClient{connected: true}
	p := &Publisher{client: client, topic: "picogov"}

	p.Close()

	require.Len(t, client.published, 1)
	rec := client.published[0]
	assert.Equal(t, "picogov/availability", rec.topic)
	assert.Equal(t, byte(1), rec.qos)
	assert.True(t, rec.retained)
	assert.Equal(t, payloadOffline, rec.payload)
	assert.False(t, client.connected)
}
