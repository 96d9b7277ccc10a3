// Package metadata is the canonical device/measurement model that every
// stream parser (internal/streams) and the DSO client (internal/dsoclient)
// normalize into before a record leaves the core.
package metadata

import "fmt"

// DeviceType enumerates the kinds of physical device a usage point exposes.
type DeviceType string

const (
	DeviceTypeElectricityMeter DeviceType = "electricity-meter"
)

// DeviceIdentifier names a device within an authority's own numbering scheme.
type DeviceIdentifier struct {
	Authority string
	Type      string
	Value     string
}

// NewEnedisDeviceIdentifier builds the identifier for a usage point's meter
// in Enedis's own PRM numbering scheme.
func NewEnedisDeviceIdentifier(prm string) DeviceIdentifier {
	return DeviceIdentifier{Authority: "enedis", Type: "prm", Value: prm}
}

// Device is the physical meter a measurement was taken from.
type Device struct {
	Type       DeviceType
	Identifier DeviceIdentifier
}

// MeasurementQuantity is the physical quantity being measured.
type MeasurementQuantity string

const (
	QuantityPower  MeasurementQuantity = "power"
	QuantityEnergy MeasurementQuantity = "energy"
)

// MeasurementType is the physical domain of the measurement.
type MeasurementType string

const (
	TypeElectrical MeasurementType = "electrical"
)

// MeasurementDirection is the flow direction of the metered quantity.
type MeasurementDirection string

const (
	DirectionConsumption MeasurementDirection = "consumption"
	DirectionProduction  MeasurementDirection = "production"
)

// MeasurementUnit is one of the canonical units the core normalizes to.
// Wire units from the source formats (kW, kVAr, ...) are converted before
// a Record ever carries them — see internal/streams for the conversions.
type MeasurementUnit string

const (
	UnitW  MeasurementUnit = "W"  // active power
	UnitVA MeasurementUnit = "VA" // apparent power
	UnitWr MeasurementUnit = "Wr" // reactive power
	UnitWh MeasurementUnit = "Wh" // energy
	UnitV  MeasurementUnit = "V"  // voltage
)

// SamplingInterval is an ISO-8601 duration string, e.g. "P1D" or "PT30M".
type SamplingInterval string

const (
	IntervalP1D   SamplingInterval = "P1D"
	IntervalPT5M  SamplingInterval = "PT5M"
	IntervalPT10M SamplingInterval = "PT10M"
	IntervalPT15M SamplingInterval = "PT15M"
	IntervalPT30M SamplingInterval = "PT30M"
)

// SamplingIntervalForStepMinutes maps a declared load-curve step, in
// minutes, to its SamplingInterval. Ported from the original's
// LOAD_CURVE_SAMPLING_INTERVALS table (metadata_enedis.py), which R4x and
// HDM load-curve parsing both key off of.
func SamplingIntervalForStepMinutes(minutes int) (SamplingInterval, bool) {
	switch minutes {
	case 5:
		return IntervalPT5M, true
	case 10:
		return IntervalPT10M, true
	case 15:
		return IntervalPT15M, true
	case 30:
		return IntervalPT30M, true
	default:
		return "", false
	}
}

// Measurement describes what a Record's value actually represents.
type Measurement struct {
	Name             string
	Quantity         MeasurementQuantity
	Type             MeasurementType
	Direction        MeasurementDirection
	Unit             MeasurementUnit
	SamplingInterval SamplingInterval
}

// TemporalClassOwner identifies who defines a tariff class's schedule.
type TemporalClassOwner string

const (
	OwnerDistributor TemporalClassOwner = "distributor"
	OwnerProvider    TemporalClassOwner = "provider"
)

// Metadata pairs a Device with the Measurement taken from it, plus the
// optional temporal-class scoping used by index series (R171/R151/HDM).
type Metadata struct {
	Device             Device
	Measurement        Measurement
	TemporalClass      string // tariff bucket name, e.g. "HPH"; empty if not class-scoped
	TemporalClassOwner TemporalClassOwner
}

// Name renders the record identifier grammar from spec.md §4.8:
//
//	urn:dev:prm:<prm>_<direction>/<category>/<subcategory>[/<max|raw>][/<calendar-owner>/<class>]
func (m Metadata) Name(category, subcategory, variant string) string {
	name := fmt.Sprintf("urn:dev:prm:%s_%s/%s/%s",
		m.Device.Identifier.Value, m.Measurement.Direction, category, subcategory)
	if variant != "" {
		name += "/" + variant
	}
	if m.TemporalClass != "" {
		name += fmt.Sprintf("/%s/%s", m.TemporalClassOwner, m.TemporalClass)
	}
	return name
}

// Record is one timestamped measurement value, in canonical units.
type Record struct {
	Name  string
	Time  string // ISO-8601 timestamp, timezone-bearing
	Value float64
	Unit  MeasurementUnit
}
