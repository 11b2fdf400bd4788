package utils

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/paybot/openpay/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ValidateStruct checks a decoded record against its struct tags. Responses
// from the payment network go through this so missing required fields fail
// closed instead of propagating zero values.
func ValidateStruct(v interface{}) error {
	return validate.Struct(v)
}

// DecodeAndValidate unmarshals data into v and validates it.
func DecodeAndValidate(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed response body: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("response missing required fields: %w", err)
	}
	return nil
}

// ParseConfig parses and validates an engine Config from JSON.
func ParseConfig(data []byte) (*types.Config, error) {
	var cfg types.Config

	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &types.Error{
			Code:    types.ErrConfig,
			Message: fmt.Sprintf("failed to parse config: %v", err),
		}
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, &types.Error{
			Code:    types.ErrConfig,
			Message: fmt.Sprintf("config validation failed: %v", err),
		}
	}

	return &cfg, nil
}
