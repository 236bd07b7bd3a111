package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridgeerr "github.com/LeonardoBeccarini/irrigation_bridge/internal/errors"
)

func TestNewMongoConnection_InvalidURI(t *testing.T) {
	_, err := NewMongoConnection("not-a-mongo-uri", time.Second)
	require.Error(t, err)
	assert.True(t, bridgeerr.IsConfiguration(err))
}

func TestNewMongoStore_BindsCollections(t *testing.T) {
	client, err := NewMongoConnection("mongodb://127.0.0.1:1", 50*time.Millisecond)
	require.NoError(t, err)

	s := NewMongoStore(client, "irrigation", Collections{Sensor: "sensor", Prediction: "ai_prediction"})
	assert.Equal(t, "sensor", s.sensors.Name())
	assert.Equal(t, "ai_prediction", s.predictions.Name())
	assert.Equal(t, "irrigation", s.db.Name())
}
