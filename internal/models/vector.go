package models

// VersionVector отображение deviceID -> наибольший seq этого устройства,
// отраженный в текущем состоянии сущности.
type VersionVector map[string]int64

// Get возвращает компоненту вектора (0, если устройство не встречалось).
func (v VersionVector) Get(deviceID string) int64 {
	return v[deviceID]
}

// Clone копирует вектор. Nil превращается в пустой вектор.
func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for k, seq := range v {
		out[k] = seq
	}
	return out
}
