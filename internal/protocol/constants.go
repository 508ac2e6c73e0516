// Package protocol decodes the byte frames a Polar heart sensor emits over BLE.
//
// Two frame types are handled: PMD ECG data notifications (packed signed
// 24-bit samples) and standard heart rate measurement notifications.
package protocol

// GATT service and characteristic UUIDs.
const (
	PMDServiceUUID = "fb005c80-02e7-f387-1cad-8acd2d8df0c8"
	PMDControlUUID = "fb005c81-02e7-f387-1cad-8acd2d8df0c8"
	PMDDataUUID    = "fb005c82-02e7-f387-1cad-8acd2d8df0c8"

	HeartRateServiceUUID     = "0000180d-0000-1000-8000-00805f9b34fb"
	HeartRateMeasurementUUID = "00002a37-0000-1000-8000-00805f9b34fb"

	BatteryServiceUUID = "0000180f-0000-1000-8000-00805f9b34fb"
	BatteryLevelUUID   = "00002a19-0000-1000-8000-00805f9b34fb"
)

// ECGSampleRate is the rate requested by StartECGCommand.
const ECGSampleRate = 130

// PMD control point commands.
var (
	// StartECGCommand requests ECG at 130 Hz with 14-bit resolution.
	StartECGCommand = []byte{0x02, 0x00, 0x00, 0x01, 0x82, 0x00, 0x01, 0x01, 0x0e, 0x00}
	// StopStreamCommand stops the ECG measurement.
	StopStreamCommand = []byte{0x03, 0x00}
)

// Heart rate measurement flag bits.
const (
	FlagHR16Bit   = 0x01
	FlagRRPresent = 0x10
)

// StartECG returns a copy of StartECGCommand.
func StartECG() []byte { return append([]byte(nil), StartECGCommand...) }

// StopStream returns a copy of StopStreamCommand.
func StopStream() []byte { return append([]byte(nil), StopStreamCommand...) }

// Signed 24-bit sample range.
const (
	MinECGSample = -1 << 23
	MaxECGSample = 1<<23 - 1
)
