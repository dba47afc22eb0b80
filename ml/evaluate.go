package ml

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ClassMetrics are the one-vs-rest scores of a single class.
type ClassMetrics struct {
	Label     int     `json:"label"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Evaluation scores a classifier against labeled rows. Confusion rows are
// actual classes and columns predicted classes, both in Classes order.
type Evaluation struct {
	Accuracy  float64
	Classes   []int
	Confusion *mat.Dense
	PerClass  []ClassMetrics
}

// Evaluate predicts every row. Rows whose label the model has never seen
// count as errors and are left out of the confusion matrix.
func Evaluate(model Classifier, features [][]float64, labels []int) (*Evaluation, error) {
	if len(features) == 0 || len(features) != len(labels) {
		return nil, fmt.Errorf("%w: %d rows for %d labels", ErrTrainingInput, len(features), len(labels))
	}

	classes := model.Classes()
	index := make(map[int]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	confusion := mat.NewDense(len(classes), len(classes), nil)

	correct := 0
	for i, row := range features {
		predicted, _, err := model.Predict(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if predicted == labels[i] {
			correct++
		}
		actual, ok := index[labels[i]]
		if !ok {
			continue
		}
		col := index[predicted]
		confusion.Set(actual, col, confusion.At(actual, col)+1)
	}

	eval := &Evaluation{
		Accuracy:  float64(correct) / float64(len(features)),
		Classes:   classes,
		Confusion: confusion,
		PerClass:  make([]ClassMetrics, len(classes)),
	}
	for k, label := range classes {
		truePositive := confusion.At(k, k)
		predicted := mat.Sum(confusion.ColView(k))
		actual := mat.Sum(confusion.RowView(k))
		m := ClassMetrics{Label: label, Support: int(actual)}
		if predicted > 0 {
			m.Precision = truePositive / predicted
		}
		if actual > 0 {
			m.Recall = truePositive / actual
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		eval.PerClass[k] = m
	}
	return eval, nil
}
