package detection

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// EncodeFloats packs values as little-endian float32
func EncodeFloats(values []float32) []byte {
	out := make([]byte, 0, len(values)*4)
	for _, v := range values {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

// DecodeFloats unpacks little-endian float32 values into dst, which must
// hold exactly len(data)/4 values. A nil dst is allocated.
func DecodeFloats(data []byte, dst []float32) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("float payload of %d bytes is not a multiple of 4", len(data))
	}
	n := len(data) / 4
	if dst == nil {
		dst = make([]float32, n)
	}
	if len(dst) != n {
		return nil, fmt.Errorf("float payload holds %d values, want %d", n, len(dst))
	}
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return dst, nil
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func parseShape(s string) ([]int, error) {
	fields := strings.Split(s, ",")
	shape := make([]int, len(fields))
	for i, f := range fields {
		d, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid shape %q", s)
		}
		shape[i] = d
	}
	return shape, nil
}
