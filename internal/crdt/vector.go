package crdt

import "github.com/iudanet/ledgerkeeper/internal/models"

// Ordering результат сравнения двух векторов версий
type Ordering int

const (
	Equal Ordering = iota
	V1Dominates
	V2Dominates
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "EQUAL"
	case V1Dominates:
		return "V1_DOMINATES"
	case V2Dominates:
		return "V2_DOMINATES"
	case Concurrent:
		return "CONCURRENT"
	}
	return "UNKNOWN"
}

// Advance возвращает новый вектор с v'[deviceID] = max(v[deviceID], seq).
// Исходный вектор не меняется.
func Advance(v models.VersionVector, deviceID string, seq int64) models.VersionVector {
	out := v.Clone()
	if seq > out[deviceID] {
		out[deviceID] = seq
	}
	return out
}

// Compare сравнивает векторы покомпонентно.
// Concurrent означает, что ни один вектор не доминирует.
func Compare(v1, v2 models.VersionVector) Ordering {
	v1Greater, v2Greater := false, false

	for device, s1 := range v1 {
		s2 := v2[device]
		if s1 > s2 {
			v1Greater = true
		} else if s1 < s2 {
			v2Greater = true
		}
	}
	for device, s2 := range v2 {
		if _, ok := v1[device]; !ok && s2 > 0 {
			v2Greater = true
		}
	}

	switch {
	case v1Greater && v2Greater:
		return Concurrent
	case v1Greater:
		return V1Dominates
	case v2Greater:
		return V2Dominates
	}
	return Equal
}

// MergeVectors возвращает покомпонентный максимум.
func MergeVectors(v1, v2 models.VersionVector) models.VersionVector {
	out := v1.Clone()
	for device, seq := range v2 {
		if seq > out[device] {
			out[device] = seq
		}
	}
	return out
}

// Covers сообщает, отражено ли изменение (deviceID, seq) в векторе.
func Covers(v models.VersionVector, deviceID string, seq int64) bool {
	return v[deviceID] >= seq
}
