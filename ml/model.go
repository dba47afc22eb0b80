package ml

// Classifier is a fitted model that maps one feature vector to a class label.
// Implementations are safe for concurrent use once trained or loaded.
type Classifier interface {
	// Predict returns the label and the model's probability for it.
	Predict(features []float64) (int, float64, error)
	// PredictProba returns one probability per entry of Classes.
	PredictProba(features []float64) ([]float64, error)
	Classes() []int
	NumFeatures() int
}

var (
	_ Classifier = (*DecisionTree)(nil)
	_ Classifier = (*RandomForest)(nil)
)
