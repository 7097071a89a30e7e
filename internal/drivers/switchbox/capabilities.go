package switchbox

import (
	"github.com/KevinKickass/OpenLabCore/internal/capability"
)

const (
	CapGetVersion    = "get-version"
	CapSetPort       = "set-port"
	CapGetPort       = "get-port"
	CapSetStart      = "set-start"
	CapGetStart      = "get-start"
	CapSetPorts      = "set-ports"
	CapGetPorts      = "get-ports"
	CapSetChannels   = "set-channels"
	CapSetDAC        = "set-dac"
	CapSetDACVoltage = "set-dac-voltage"
	CapGetDAC        = "get-dac"
	CapGetADC        = "get-adc"
	CapGetADCAll     = "get-adc-all"
)

const (
	maxPortValue = 65535
	maxDACValue  = 4095
	dacVolts     = 10.0
	adcVolts     = 5.0
	adcChannels  = 8
)

var portNames = []string{"a", "b", "c", "d"}

var (
	portArg = capability.Arg{
		Name:        "port",
		Kind:        capability.KindString,
		Description: "Output port",
		Enum:        portNames,
	}
	portValueArg = capability.Arg{
		Name:        "value",
		Kind:        capability.KindInt,
		Description: "16-bit port word",
		Range:       &capability.Range{Min: 0, Max: maxPortValue},
	}
	dacChannelArg = capability.Arg{
		Name:  "channel",
		Kind:  capability.KindInt,
		Range: &capability.Range{Min: 1, Max: 2},
	}
)

var capabilities = []capability.Capability{
	{
		Name:        CapGetVersion,
		Description: "Firmware version string",
		Result:      capability.KindString,
	},
	{
		Name:        CapSetPort,
		Description: "Set the output word of one port",
		Args:        []capability.Arg{portArg, portValueArg},
		Result:      capability.KindNone,
		Restorable:  true,
		RestoreKey:  []string{"port"},
	},
	{
		Name:        CapGetPort,
		Description: "Read the output word of one port",
		Args:        []capability.Arg{portArg},
		Result:      capability.KindInt,
	},
	{
		Name:        CapSetStart,
		Description: "Set the power-on word of one port",
		Args:        []capability.Arg{portArg, portValueArg},
		Result:      capability.KindNone,
		Restorable:  true,
		RestoreKey:  []string{"port"},
	},
	{
		Name:        CapGetStart,
		Description: "Read the power-on word of one port",
		Args:        []capability.Arg{portArg},
		Result:      capability.KindInt,
	},
	{
		Name:        CapSetPorts,
		Description: "Set all four ports at once",
		Args: []capability.Arg{{
			Name:   "values",
			Kind:   capability.KindIntList,
			Length: len(portNames),
			Range:  &capability.Range{Min: 0, Max: maxPortValue},
		}},
		Result:     capability.KindNone,
		Restorable: true,
	},
	{
		Name:        CapGetPorts,
		Description: "Read all four ports",
		Result:      capability.KindRecord,
	},
	{
		Name:        CapSetChannels,
		Description: "Drive the eight relay channels of a port (0 off, 1 on, 2 full power)",
		Args: []capability.Arg{
			{Name: "port", Kind: capability.KindString, Enum: portNames, Default: "a"},
			{
				Name:   "channels",
				Kind:   capability.KindIntList,
				Length: 8,
				Range:  &capability.Range{Min: 0, Max: 2},
			},
		},
		Result:     capability.KindNone,
		Restorable: true,
		RestoreKey: []string{"port"},
	},
	{
		Name:        CapSetDAC,
		Description: "Set an analog output in raw 12-bit counts",
		Args: []capability.Arg{dacChannelArg, {
			Name:  "value",
			Kind:  capability.KindInt,
			Range: &capability.Range{Min: 0, Max: maxDACValue},
		}},
		Result:     capability.KindNone,
		Restorable: true,
		RestoreKey: []string{"channel"},
	},
	{
		Name:        CapSetDACVoltage,
		Description: "Set an analog output in volts",
		Args: []capability.Arg{dacChannelArg, {
			Name:  "volts",
			Kind:  capability.KindFloat,
			Unit:  "V",
			Range: &capability.Range{Min: 0, Max: dacVolts},
		}},
		Result:     capability.KindNone,
		Restorable: true,
		RestoreKey: []string{"channel"},
	},
	{
		Name:        CapGetDAC,
		Description: "Read an analog output (raw counts and volts)",
		Args:        []capability.Arg{dacChannelArg},
		Result:      capability.KindRecord,
	},
	{
		Name:        CapGetADC,
		Description: "Read one analog input in volts",
		Args: []capability.Arg{{
			Name:  "channel",
			Kind:  capability.KindInt,
			Range: &capability.Range{Min: 0, Max: adcChannels - 1},
		}},
		Result: capability.KindFloat,
	},
	{
		Name:        CapGetADCAll,
		Description: "Read all analog inputs in volts",
		Result:      capability.KindRecord,
	},
}
