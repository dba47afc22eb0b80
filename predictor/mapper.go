package predictor

import "fmt"

// FeatureMapper turns the scalar request value into a model input vector of
// width n.
type FeatureMapper interface {
	Name() string
	Features(value float64, n int) []float64
}

// Broadcast repeats the value in every input position.
type Broadcast struct{}

func (Broadcast) Name() string {
	return "broadcast"
}

func (Broadcast) Features(value float64, n int) []float64 {
	features := make([]float64, n)
	for i := range features {
		features[i] = value
	}
	return features
}

// MapperFor resolves a configured mapping name.
func MapperFor(name string) (FeatureMapper, error) {
	switch name {
	case "", "broadcast":
		return Broadcast{}, nil
	default:
		return nil, fmt.Errorf("unknown feature mapping %q", name)
	}
}
