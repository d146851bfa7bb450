package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherKeysByLicense(t *testing.T) {
	w := &captureWriter{}
	pub := &KafkaPublisher{writer: w, topic: "licensehub.license-events"}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	evt := NewEvent(TypeLicenseCreated, "42", "7", at, map[string]any{"script_name": "esx_garage"})
	require.NoError(t, pub.Publish(context.Background(), evt))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "42", string(msg.Key))
	assert.Equal(t, at, msg.Time)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, TypeLicenseCreated, decoded.Type)
	assert.Equal(t, evt.ID, decoded.ID)
	assert.Len(t, decoded.ID, 26)
	assert.Equal(t, "esx_garage", decoded.Data["script_name"])

	require.NoError(t, pub.Close())
	assert.True(t, w.closed)
}

func TestPartitionKeyFallsBackToOwner(t *testing.T) {
	evt := NewEvent(TypeUserDeleted, "", "7", time.Now(), nil)
	assert.Equal(t, "7", evt.PartitionKey())
}

func TestNewKafkaPublisherRequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "topic")
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "")
	assert.Error(t, err)
}

func TestLoggingPublisherSwallowsErrors(t *testing.T) {
	w := &captureWriter{err: errors.New("broker down")}
	pub := &loggingPublisher{next: &KafkaPublisher{writer: w, topic: "t"}, log: zap.NewNop()}

	err := pub.Publish(context.Background(), NewEvent(TypeLicenseDeleted, "1", "", time.Now(), nil))
	assert.NoError(t, err)
}
