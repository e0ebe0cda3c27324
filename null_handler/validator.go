// Package null_handler checks crawled records for missing fields before they
// are persisted. Each field has a behaviour: critical fields reject the
// record, the others are only logged.
package null_handler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/researchaccelerator-hub/vocalist-crawler/model"
	"github.com/rs/zerolog/log"
)

// ValidationBehavior defines how to handle null/empty values
type ValidationBehavior string

const (
	BehaviorCritical ValidationBehavior = "critical" // Skip processing if null
	BehaviorLog      ValidationBehavior = "log"      // Log warning if null
	BehaviorOptional ValidationBehavior = "optional" // No action needed
)

// FieldConfig defines validation behavior for a specific field
type FieldConfig struct {
	Behavior ValidationBehavior `json:"behavior"`
	Message  string             `json:"message"`
}

// ValidationConfig maps field paths such as "Channel.Handle" to rules.
type ValidationConfig struct {
	Rules map[string]FieldConfig `json:"rules"`
}

// ValidationResult holds the validation outcome
type ValidationResult struct {
	Valid         bool
	Errors        []string
	Warnings      []string
	NullLogEvents []NullLogEvent
}

// NullLogEvent records one empty field.
type NullLogEvent struct {
	DataType     string `json:"data_type"` // "channel" or "video"
	FieldName    string `json:"field_name"`
	StrategyUsed string `json:"strategy_used"`
	Message      string `json:"message"`
}

// DefaultConfig returns the rules for channel and video records.
func DefaultConfig() *ValidationConfig {
	return &ValidationConfig{
		Rules: map[string]FieldConfig{
			"Channel.ChannelID":       {Behavior: BehaviorCritical, Message: "ChannelID is required"},
			"Channel.Handle":          {Behavior: BehaviorCritical, Message: "Handle is required"},
			"Channel.Title":           {Behavior: BehaviorLog, Message: "Title is empty"},
			"Channel.Description":     {Behavior: BehaviorOptional, Message: "Description is empty"},
			"Channel.LastPublishTime": {Behavior: BehaviorLog, Message: "LastPublishTime is zero"},
			"Channel.VideoCount":      {Behavior: BehaviorLog, Message: "VideoCount is zero"},

			"Video.VideoID":        {Behavior: BehaviorCritical, Message: "VideoID is required"},
			"Video.ChannelID":      {Behavior: BehaviorCritical, Message: "ChannelID is required"},
			"Video.PublishTime":    {Behavior: BehaviorLog, Message: "PublishTime is zero"},
			"Video.Title":          {Behavior: BehaviorLog, Message: "Title is empty"},
			"Video.Description":    {Behavior: BehaviorOptional, Message: "Description is empty"},
			"Video.NormalizedText": {Behavior: BehaviorLog, Message: "NormalizedText is missing"},
		},
	}
}

// MergeConfigs overlays user rules on the defaults.
func MergeConfigs(userConfig *ValidationConfig) *ValidationConfig {
	mergedRules := make(map[string]FieldConfig)
	for k, v := range DefaultConfig().Rules {
		mergedRules[k] = v
	}
	if userConfig != nil {
		for k, v := range userConfig.Rules {
			mergedRules[k] = v
		}
	}
	return &ValidationConfig{Rules: mergedRules}
}

// LoadConfigFromJSON loads user config from JSON and merges with defaults
func LoadConfigFromJSON(jsonData []byte) (*ValidationConfig, error) {
	var userConfig ValidationConfig
	if err := json.Unmarshal(jsonData, &userConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return MergeConfigs(&userConfig), nil
}

// LoadConfigFile reads rules from a JSON file and merges them with the
// defaults. An empty path yields the defaults.
func LoadConfigFile(path string) (*ValidationConfig, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read validation config %s: %w", path, err)
	}
	return LoadConfigFromJSON(data)
}

// Validator handles field validation based on config
type Validator struct {
	config *ValidationConfig
}

// NewValidator creates a validator with the default rules.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultConfig())
}

// NewValidatorWithConfig creates a validator with a complete config
func NewValidatorWithConfig(config *ValidationConfig) *Validator {
	return &Validator{config: config}
}

// ValidateChannel validates a channel record.
func (v *Validator) ValidateChannel(data model.ChannelRecord) *ValidationResult {
	result := newResult()
	v.validateStruct("Channel", "channel", reflect.ValueOf(data), result)
	return result
}

// ValidateVideo validates a video record.
func (v *Validator) ValidateVideo(data model.VideoRecord) *ValidationResult {
	result := newResult()
	v.validateStruct("Video", "video", reflect.ValueOf(data), result)
	return result
}

func newResult() *ValidationResult {
	return &ValidationResult{
		Valid:         true,
		Errors:        []string{},
		Warnings:      []string{},
		NullLogEvents: []NullLogEvent{},
	}
}

// validateStruct recursively validates struct fields
func (v *Validator) validateStruct(prefix string, dataType string, val reflect.Value, result *ValidationResult) {
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !fieldType.IsExported() {
			continue
		}

		fullPath := fieldType.Name
		if prefix != "" {
			fullPath = prefix + "." + fieldType.Name
		}

		if field.Kind() == reflect.Struct && fieldType.Type != reflect.TypeOf(time.Time{}) {
			v.validateStruct(fullPath, dataType, field, result)
			continue
		}

		if field.Kind() == reflect.Ptr {
			if field.IsNil() {
				v.handleEmptyField(fullPath, dataType, result)
			}
			continue
		}

		if field.Kind() == reflect.Slice || field.Kind() == reflect.Map {
			if field.IsNil() || field.Len() == 0 {
				v.handleEmptyField(fullPath, dataType, result)
			}
			continue
		}

		if isEmptyValue(field) {
			v.handleEmptyField(fullPath, dataType, result)
		}
	}
}

// isEmptyValue checks if a field value is empty/null
func isEmptyValue(field reflect.Value) bool {
	switch field.Kind() {
	case reflect.String:
		return field.String() == ""
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return field.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return field.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return field.Float() == 0
	case reflect.Bool:
		return !field.Bool()
	case reflect.Struct:
		if field.Type() == reflect.TypeOf(time.Time{}) {
			return field.Interface().(time.Time).IsZero()
		}
	}
	return false
}

// handleEmptyField processes an empty field based on config
func (v *Validator) handleEmptyField(fieldPath string, dataType string, result *ValidationResult) {
	config, exists := v.config.Rules[fieldPath]
	if !exists {
		return
	}

	result.NullLogEvents = append(result.NullLogEvents, NullLogEvent{
		DataType:     dataType,
		FieldName:    fieldPath,
		StrategyUsed: string(config.Behavior),
		Message:      config.Message,
	})

	switch config.Behavior {
	case BehaviorCritical:
		result.Valid = false
		result.Errors = append(result.Errors, config.Message)
		log.Error().Str("data_type", dataType).Str("field_path", fieldPath).Msgf("null_validation: %s", config.Message)
	case BehaviorLog:
		result.Warnings = append(result.Warnings, config.Message)
		log.Debug().Str("data_type", dataType).Str("field_path", fieldPath).Msgf("null_validation: %s", config.Message)
	case BehaviorOptional:
	}
}
