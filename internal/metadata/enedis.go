package metadata

// Concrete Metadata constructors per Enedis series, ported from
// original_source/sgeproxy/metadata_enedis.py. The voltage constructor there
// carries the measurement name "inductive-power" — an evident copy-paste
// slip from the capacitive/inductive constructors above it, not a
// documented behavior — and is corrected to "voltage" here.

// ConsumptionPowerActiveRaw is the raw active-power load curve.
func ConsumptionPowerActiveRaw(prm string, interval SamplingInterval) Metadata {
	return Metadata{
		Device: Device{Type: DeviceTypeElectricityMeter, Identifier: NewEnedisDeviceIdentifier(prm)},
		Measurement: Measurement{
			Name: "active-power", Quantity: QuantityPower, Type: TypeElectrical,
			Direction: DirectionConsumption, Unit: UnitW, SamplingInterval: interval,
		},
	}
}

// ConsumptionPowerCapacitiveRaw is the raw capacitive reactive-power load curve.
func ConsumptionPowerCapacitiveRaw(prm string, interval SamplingInterval) Metadata {
	return Metadata{
		Device: Device{Type: DeviceTypeElectricityMeter, Identifier: NewEnedisDeviceIdentifier(prm)},
		Measurement: Measurement{
			Name: "capacitive-power", Quantity: QuantityPower, Type: TypeElectrical,
			Direction: DirectionConsumption, Unit: UnitWr, SamplingInterval: interval,
		},
	}
}

// ConsumptionPowerInductiveRaw is the raw inductive reactive-power load curve.
func ConsumptionPowerInductiveRaw(prm string, interval SamplingInterval) Metadata {
	return Metadata{
		Device: Device{Type: DeviceTypeElectricityMeter, Identifier: NewEnedisDeviceIdentifier(prm)},
		Measurement: Measurement{
			Name: "inductive-power", Quantity: QuantityPower, Type: TypeElectrical,
			Direction: DirectionConsumption, Unit: UnitWr, SamplingInterval: interval,
		},
	}
}

// ConsumptionVoltageRaw is the raw voltage curve.
func ConsumptionVoltageRaw(prm string, interval SamplingInterval) Metadata {
	return Metadata{
		Device: Device{Type: DeviceTypeElectricityMeter, Identifier: NewEnedisDeviceIdentifier(prm)},
		Measurement: Measurement{
			Name: "voltage", Quantity: QuantityPower, Type: TypeElectrical,
			Direction: DirectionConsumption, Unit: UnitV, SamplingInterval: interval,
		},
	}
}

// ConsumptionPowerApparentMax is the daily maximum apparent power (PMA).
func ConsumptionPowerApparentMax(prm string) Metadata {
	return Metadata{
		Device: Device{Type: DeviceTypeElectricityMeter, Identifier: NewEnedisDeviceIdentifier(prm)},
		Measurement: Measurement{
			Name: "apparent-power", Quantity: QuantityPower, Type: TypeElectrical,
			Direction: DirectionConsumption, Unit: UnitVA, SamplingInterval: IntervalP1D,
		},
	}
}

// ConsumptionPowerActiveMax is the daily maximum active power, used instead
// of ConsumptionPowerApparentMax when a file reports PMA in W rather than VA.
func ConsumptionPowerActiveMax(prm string) Metadata {
	return Metadata{
		Device: Device{Type: DeviceTypeElectricityMeter, Identifier: NewEnedisDeviceIdentifier(prm)},
		Measurement: Measurement{
			Name: "active-power", Quantity: QuantityPower, Type: TypeElectrical,
			Direction: DirectionConsumption, Unit: UnitW, SamplingInterval: IntervalP1D,
		},
	}
}

// ConsumptionEnergyActiveIndex is the cumulative active-energy index.
func ConsumptionEnergyActiveIndex(prm string) Metadata {
	return Metadata{
		Device: Device{Type: DeviceTypeElectricityMeter, Identifier: NewEnedisDeviceIdentifier(prm)},
		Measurement: Measurement{
			Name: "active-energy-index", Quantity: QuantityEnergy, Type: TypeElectrical,
			Direction: DirectionConsumption, Unit: UnitWh, SamplingInterval: IntervalP1D,
		},
	}
}
