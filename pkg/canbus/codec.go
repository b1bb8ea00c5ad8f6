package canbus

import (
	"fmt"
	"math"
)

// Pack encodes physical signal values into a frame payload. Every signal the
// message defines must be present. Raw values are clamped to the signal's
// bit width, so out-of-range physicals saturate instead of spilling into
// neighbouring signals.
func Pack(msg *Message, signals map[string]float64) ([]byte, error) {
	data := make([]byte, msg.Length)
	for _, sig := range msg.Signals {
		phys, ok := signals[sig.Name]
		if !ok {
			return nil, fmt.Errorf("pack %s: missing signal %s", msg.Name, sig.Name)
		}
		factor := sig.Factor
		if factor == 0 {
			factor = 1
		}
		raw := int64(math.Round((phys - sig.Offset) / factor))
		if raw < 0 {
			raw = 0
		}
		if sig.BitLength < 64 {
			if maxRaw := int64(1)<<sig.BitLength - 1; raw > maxRaw {
				raw = maxRaw
			}
		}
		packBits(data, sig.StartBit, sig.BitLength, uint64(raw))
	}
	return data, nil
}

// Unpack decodes a frame payload into physical signal values.
func Unpack(msg *Message, data []byte) (map[string]float64, error) {
	if len(data) < msg.Length {
		return nil, fmt.Errorf("unpack %s: payload is %d bytes, need %d", msg.Name, len(data), msg.Length)
	}
	signals := make(map[string]float64, len(msg.Signals))
	for _, sig := range msg.Signals {
		raw := unpackBits(data, sig.StartBit, sig.BitLength)
		factor := sig.Factor
		if factor == 0 {
			factor = 1
		}
		signals[sig.Name] = float64(raw)*factor + sig.Offset
	}
	return signals, nil
}

// packBits writes the low length bits of value into data, LSB first from
// startBit.
func packBits(data []byte, startBit, length int, value uint64) {
	startByte := startBit / 8
	offset := startBit % 8
	for i := 0; i < length; i++ {
		bitIndex := offset + i
		byteIndex := startByte + bitIndex/8
		data[byteIndex] |= byte((value >> i & 1) << (bitIndex % 8))
	}
}

// unpackBits reads length bits from data, LSB first from startBit.
func unpackBits(data []byte, startBit, length int) uint64 {
	startByte := startBit / 8
	offset := startBit % 8
	var value uint64
	for i := 0; i < length; i++ {
		bitIndex := offset + i
		byteIndex := startByte + bitIndex/8
		bit := uint64(data[byteIndex]>>(bitIndex%8)) & 1
		value |= bit << i
	}
	return value
}
