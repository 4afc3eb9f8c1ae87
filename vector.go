package chatmem

import (
	"encoding/binary"
	"math"
)

// bytesPerDim is the encoded width of one vector component.
const bytesPerDim = 4

// EncodeFloat32s packs v as little-endian IEEE 754 float32 values, one per
// component in index order, with no header. A nil or empty vector encodes
// to an empty, non-nil slice.
func EncodeFloat32s(v []float32) []byte {
	out := make([]byte, 0, len(v)*bytesPerDim)
	for _, x := range v {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(x))
	}
	return out
}

// DecodeFloat32s is the inverse of EncodeFloat32s. A trailing partial
// component is ignored, so a 7-byte blob decodes to one element.
func DecodeFloat32s(b []byte) []float32 {
	out := make([]float32, len(b)/bytesPerDim)
	for i := range out {
		off := i * bytesPerDim
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[off : off+bytesPerDim]))
	}
	return out
}

// CosineSimilarity returns dot(a, b) / (|a| |b|), clamped to [-1, 1]. It is
// 0 when the lengths differ, either vector is empty or has zero magnitude,
// or the result is not finite.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, sqA, sqB float64
	for i, x := range a {
		y := float64(b[i])
		dot += float64(x) * y
		sqA += float64(x) * float64(x)
		sqB += y * y
	}
	if sqA == 0 || sqB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(sqA) * math.Sqrt(sqB))
	if math.IsNaN(sim) || math.IsInf(sim, 0) {
		return 0
	}
	return max(-1, min(1, sim))
}
