package ml

import (
	"encoding/json"
	"fmt"
)

const (
	KindRandomForest = "random_forest"
	KindDecisionTree = "decision_tree"
)

// LoadModel decodes a serialized classifier of the given kind and checks its
// structure.
func LoadModel(kind string, payload []byte) (Classifier, error) {
	switch kind {
	case KindRandomForest:
		model := &RandomForest{}
		if err := json.Unmarshal(payload, model); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if err := model.Validate(); err != nil {
			return nil, err
		}
		return model, nil
	case KindDecisionTree:
		model := &DecisionTree{}
		if err := json.Unmarshal(payload, model); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if err := model.Validate(); err != nil {
			return nil, err
		}
		return model, nil
	default:
		return nil, fmt.Errorf("unsupported model type %q", kind)
	}
}

// KindOf returns the serialization kind of a classifier built by this package.
func KindOf(model Classifier) (string, error) {
	switch model.(type) {
	case *RandomForest:
		return KindRandomForest, nil
	case *DecisionTree:
		return KindDecisionTree, nil
	default:
		return "", fmt.Errorf("unsupported model type %T", model)
	}
}
