package description

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const namespacedDoc = `<?xml version="1.0"?>
<fdi:Device xmlns:fdi="http://www.opcfoundation.org/FDI/2011/Device">
  <fdi:DeviceIdentity>
    <fdi:DeviceType>SmartCircuitBreaker</fdi:DeviceType>
    <fdi:DeviceManufacturer>Acme</fdi:DeviceManufacturer>
  </fdi:DeviceIdentity>
  <fdi:DeviceCapabilities>
    <fdi:DeviceParameters>
      <fdi:Parameter name="overcurrent_pickup" type="float" units="A" range="10-200" mandatory="true"/>
    </fdi:DeviceParameters>
    <fdi:DeviceCommands>
      <fdi:Command name="trip" description="Trip the breaker">
        <fdi:Parameter name="reason" type="string"/>
      </fdi:Command>
    </fdi:DeviceCommands>
    <fdi:DeviceFunctions>
      <fdi:Function name="calibrate" category="maintenance">
        <fdi:Description>Calibrate sensor offsets</fdi:Description>
        <fdi:Parameter name="overcurrent_pickup" type="float"/>
      </fdi:Function>
    </fdi:DeviceFunctions>
  </fdi:DeviceCapabilities>
  <fdi:DeviceConfiguration>
    <fdi:ConfigurationTemplates>
      <fdi:Template name="default">
        <fdi:Description>Factory defaults</fdi:Description>
        <fdi:Settings>
          <fdi:Setting name="serial_number" value="X123" units=""/>
          <fdi:Setting name="sample_rate_hz" value="50"/>
        </fdi:Settings>
      </fdi:Template>
    </fdi:ConfigurationTemplates>
  </fdi:DeviceConfiguration>
</fdi:Device>`

const unnamespacedDoc = `<?xml version="1.0"?>
<Device>
  <DeviceIdentity>
    <DeviceType>SmartCircuitBreaker</DeviceType>
  </DeviceIdentity>
  <DeviceCapabilities>
    <DeviceParameters>
      <Parameter name="overcurrent_pickup" type="float"/>
    </DeviceParameters>
    <DeviceCommands>
      <Command name="trip" description="Trip the breaker">
        <Parameter name="reason" type="string"/>
      </Command>
    </DeviceCommands>
  </DeviceCapabilities>
  <DeviceConfiguration/>
</Device>`

func TestParseAcceptsNamespacedDocument(t *testing.T) {
	desc, err := Parse(strings.NewReader(namespacedDoc))
	require.NoError(t, err)

	assert.Equal(t, "SmartCircuitBreaker", desc.Doc.Identity.DeviceType)
	assert.Equal(t, "Acme", desc.Doc.Identity.DeviceManufacturer)
	require.Len(t, desc.Doc.Capabilities.Parameters, 1)
	lo, hi, ok := desc.Doc.Capabilities.Parameters[0].RangeMinMax()
	assert.True(t, ok)
	assert.Equal(t, 10.0, lo)
	assert.Equal(t, 200.0, hi)
}

func TestParseAcceptsUnnamespacedDocument(t *testing.T) {
	desc, err := Parse(strings.NewReader(unnamespacedDoc))
	require.NoError(t, err)
	assert.Equal(t, "SmartCircuitBreaker", desc.Doc.Identity.DeviceType)
	assert.True(t, desc.IsWritable("reason"))
}

func TestIsWritableCoversCommandsAndFunctionsNotTemplates(t *testing.T) {
	desc, err := Parse(strings.NewReader(namespacedDoc))
	require.NoError(t, err)

	assert.True(t, desc.IsWritable("overcurrent_pickup"))
	assert.True(t, desc.IsWritable("reason"))
	assert.False(t, desc.IsWritable("serial_number"), "template settings are informational only")
	assert.False(t, desc.IsWritable("sample_rate_hz"))
}

func TestWritableParametersGroupsByOwner(t *testing.T) {
	desc, err := Parse(strings.NewReader(namespacedDoc))
	require.NoError(t, err)

	cmd, ok := desc.Writable.Commands["trip"]
	require.True(t, ok)
	assert.Equal(t, "Trip the breaker", cmd.Description)
	_, ok = cmd.Parameters["reason"]
	assert.True(t, ok)

	fn, ok := desc.Writable.Functions["calibrate"]
	require.True(t, ok)
	assert.Equal(t, "maintenance", fn.Category)

	tmpl, ok := desc.Writable.Templates["default"]
	require.True(t, ok)
	assert.Equal(t, "X123", tmpl.Settings["serial_number"])
	assert.Equal(t, int64(50), tmpl.Settings["sample_rate_hz"])
}
