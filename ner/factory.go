package ner

import "fmt"

// Extractor variants accepted by New.
const (
	VariantPattern = "pattern"
	VariantModel   = "model"
)

// New builds the extractor named by variant. An empty variant selects the
// pattern extractor.
func New(variant string, modelCfg ModelConfig) (Extractor, error) {
	switch variant {
	case "", VariantPattern:
		return NewPatternExtractor(), nil
	case VariantModel:
		return NewModelExtractor(modelCfg)
	default:
		return nil, fmt.Errorf("unknown extractor variant %q, must be one of: %s, %s", variant, VariantPattern, VariantModel)
	}
}
