// Package vecmath holds the vector helpers shared by the snapshot stores,
// the embedding cache and the query log.
package vecmath

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ErrDimensionMismatch is returned when two vectors cannot be compared.
type ErrDimensionMismatch struct {
	Want, Got int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: want %d, got %d", e.Want, e.Got)
}

// Norm returns the L2 norm of a vector.
func Norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// CosinePercent returns the cosine similarity of a and b expressed as a
// percentage. Zero vectors score 0.
func CosinePercent(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch{Want: len(a), Got: len(b)}
	}
	return cosineWithNorm(a, b, Norm(a)) * 100, nil
}

// Scorer compares many vectors against one query vector, reusing its norm.
type Scorer struct {
	query []float32
	norm  float64
}

func NewScorer(query []float32) *Scorer {
	return &Scorer{query: query, norm: Norm(query)}
}

// Percent scores v against the query vector.
func (s *Scorer) Percent(v []float32) (float64, error) {
	if len(v) != len(s.query) {
		return 0, ErrDimensionMismatch{Want: len(s.query), Got: len(v)}
	}
	return cosineWithNorm(s.query, v, s.norm) * 100, nil
}

func cosineWithNorm(a, b []float32, aNorm float64) float64 {
	if aNorm == 0 {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0
	}
	return dot / (aNorm * math.Sqrt(bNormSq))
}

// EncodeFloat32s serializes a float32 slice to little-endian bytes.
func EncodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeFloat32s deserializes little-endian bytes into a new float32 slice.
func DecodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
