package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTelemetryTopicDeviceScoped(t *testing.T) {
	tt, err := ParseTelemetryTopic("spBv1.0/IIoT/DDATA/edge-01/pump-7")
	assert.NoError(t, err)
	assert.Equal(t, Telemetry{
		Namespace: "spBv1.0",
		Group:     "IIoT",
		MsgType:   DDATA,
		Node:      "edge-01",
		DeviceID:  "pump-7",
	}, tt)
}

func TestParseTelemetryTopicNodeScoped(t *testing.T) {
	tt, err := ParseTelemetryTopic("spBv1.0/IIoT/NBIRTH/edge-01")
	assert.NoError(t, err)
	assert.Equal(t, "edge-01", tt.Node)
	assert.Empty(t, tt.DeviceID)
}

func TestParseTelemetryTopicRejectsNodeScopedWithExtraSegment(t *testing.T) {
	_, err := ParseTelemetryTopic("spBv1.0/IIoT/NBIRTH/edge-01/extra")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseTelemetryTopicRejectsDeviceScopedMissingDevice(t *testing.T) {
	_, err := ParseTelemetryTopic("spBv1.0/IIoT/DBIRTH/edge-01")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseTelemetryTopicRejectsUnknownMsgType(t *testing.T) {
	_, err := ParseTelemetryTopic("spBv1.0/IIoT/XDATA/edge-01")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFormatTelemetryTopicRoundTrip(t *testing.T) {
	cases := []string{
		"spBv1.0/IIoT/DDATA/edge-01/pump-7",
		"spBv1.0/IIoT/NDEATH/edge-01",
	}
	for _, topic := range cases {
		parsed, err := ParseTelemetryTopic(topic)
		assert.NoError(t, err)
		assert.Equal(t, topic, FormatTelemetryTopic(parsed))
	}
}

func TestParseMgmtTopic(t *testing.T) {
	m, err := ParseMgmtTopic("lwm2m/pump-7/cmd/write")
	assert.NoError(t, err)
	assert.Equal(t, Mgmt{Prefix: "lwm2m", DeviceID: "pump-7", Verb: VerbCmd, Sub: "write"}, m)

	m, err = ParseMgmtTopic("lwm2m/pump-7/reg")
	assert.NoError(t, err)
	assert.Equal(t, Mgmt{Prefix: "lwm2m", DeviceID: "pump-7", Verb: VerbReg}, m)
}

func TestParseMgmtTopicRejectsUnknownVerb(t *testing.T) {
	_, err := ParseMgmtTopic("lwm2m/pump-7/flush")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFormatMgmtTopicRoundTrip(t *testing.T) {
	cases := []string{
		"lwm2m/pump-7/resp/read",
		"lwm2m/pump-7/dereg",
	}
	for _, topic := range cases {
		parsed, err := ParseMgmtTopic(topic)
		assert.NoError(t, err)
		assert.Equal(t, topic, FormatMgmtTopic(parsed))
	}
}

func TestMatchSingleLevelWildcard(t *testing.T) {
	assert.True(t, Match("spBv1.0/IIoT/DDATA/+/+", "spBv1.0/IIoT/DDATA/edge-01/pump-7"))
	assert.False(t, Match("spBv1.0/IIoT/DDATA/+", "spBv1.0/IIoT/DDATA/edge-01/pump-7"))
	assert.False(t, Match("spBv1.0/IIoT/DDATA/+/+", "spBv1.0/IIoT/DDATA/edge-01"))
}

func TestMatchMultiLevelWildcard(t *testing.T) {
	assert.True(t, Match("spBv1.0/IIoT/#", "spBv1.0/IIoT/DDATA/edge-01/pump-7"))
	assert.True(t, Match("#", "spBv1.0/IIoT/DDATA/edge-01/pump-7"))
	assert.False(t, Match("spBv1.0/#", "other/IIoT/DDATA"))
}

func TestMatchExactTopic(t *testing.T) {
	assert.True(t, Match("lwm2m/pump-7/reg", "lwm2m/pump-7/reg"))
	assert.False(t, Match("lwm2m/pump-7/reg", "lwm2m/pump-7/update"))
}

func TestValidWildcards(t *testing.T) {
	assert.True(t, ValidWildcards("spBv1.0/IIoT/DDATA/+/+"))
	assert.True(t, ValidWildcards("spBv1.0/IIoT/#"))
	assert.False(t, ValidWildcards("spBv1.0/IIoT/#/edge-01"))
	assert.False(t, ValidWildcards("spBv1.0/IIoT+/DDATA"))
}

func TestMatchParseFormatProperty(t *testing.T) {
	topics := []string{
		"spBv1.0/IIoT/DDATA/edge-01/pump-7",
		"spBv1.0/IIoT/NBIRTH/edge-02",
	}
	patterns := []string{"spBv1.0/IIoT/#", "spBv1.0/+/+/+/+", "spBv1.0/+/+/+"}

	for _, top := range topics {
		parsed, err := ParseTelemetryTopic(top)
		assert.NoError(t, err)
		formatted := FormatTelemetryTopic(parsed)

		for _, pattern := range patterns {
			if Match(pattern, formatted) {
				assert.True(t, Match(pattern, top))
			}
		}
	}
}
