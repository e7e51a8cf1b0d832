package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{"category":"security","type":"intrusion","isAlarmEvent":true,"deviceId":"dev-9"}`))
	require.NoError(t, err)

	assert.Equal(t, "security", env.Category)
	assert.Equal(t, "intrusion", env.Type)
	assert.True(t, env.IsAlarmEvent)
	assert.False(t, env.IsArming())
	assert.Equal(t, "event", env.WireEvent())
}

func TestDecodeEnvelopeArming(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{"type":"arming","zoneId":"z1","state":"disarmed"}`))
	require.NoError(t, err)

	assert.True(t, env.IsArming())
	assert.Equal(t, "arming", env.WireEvent())
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	_, err := decodeEnvelope([]byte(`{"category":`))
	assert.Error(t, err)
}

func TestDecodeEnvelopeMissingFieldsDefaults(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{}`))
	require.NoError(t, err)

	assert.Empty(t, env.Category)
	assert.Empty(t, env.Type)
	assert.False(t, env.IsAlarmEvent)
	assert.Equal(t, "event", env.WireEvent())
}
