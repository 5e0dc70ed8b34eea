package app

import (
	"fmt"
	"unicode/utf8"

	"github.com/book-expert/longform-tts/internal/audio"
	"github.com/book-expert/longform-tts/internal/core"
	"github.com/book-expert/longform-tts/internal/jobs"
)

// Metadata limits.
const (
	MaxDisplayNameLength = 200
	MaxTags              = 20
	MaxTagLength         = 50
)

// parameterRange bounds one synthesis parameter.
type parameterRange struct {
	key      string
	min, max float64
}

var parameterRanges = []parameterRange{
	{key: core.ParamExaggeration, min: 0.25, max: 2.0},
	{key: core.ParamCFGWeight, min: 0, max: 1},
	{key: core.ParamTemperature, min: 0.05, max: 5.0},
}

// ValidateParameters checks synthesis parameter ranges and the output format.
func ValidateParameters(params core.Parameters) error {
	for _, bound := range parameterRanges {
		raw, ok := params[bound.key]
		if !ok || raw == nil {
			continue
		}

		value := params.Float(bound.key)
		if value == nil {
			return fmt.Errorf("%w: %s must be a number", core.ErrValidation, bound.key)
		}

		if *value < bound.min || *value > bound.max {
			return fmt.Errorf("%w: %s must be between %g and %g, got %g",
				core.ErrValidation, bound.key, bound.min, bound.max, *value)
		}
	}

	if raw, ok := params[core.ParamOutputFormat]; ok && raw != nil {
		format, isString := raw.(string)
		if !isString {
			return fmt.Errorf("%w: %s must be a string", core.ErrValidation, core.ParamOutputFormat)
		}

		_, err := audio.ParseFormat(format)
		if err != nil {
			return err
		}
	}

	return nil
}

// ValidateMetadata checks display name and tag limits.
func ValidateMetadata(displayName *string, tags []string) error {
	if displayName != nil && utf8.RuneCountInString(*displayName) > MaxDisplayNameLength {
		return fmt.Errorf("%w: display name exceeds %d characters", core.ErrValidation, MaxDisplayNameLength)
	}

	if len(tags) > MaxTags {
		return fmt.Errorf("%w: at most %d tags allowed", core.ErrValidation, MaxTags)
	}

	for _, tag := range tags {
		if tag == "" || utf8.RuneCountInString(tag) > MaxTagLength {
			return fmt.Errorf("%w: tags must be 1 to %d characters", core.ErrValidation, MaxTagLength)
		}
	}

	return nil
}

func (s *Services) validateCreate(req jobs.CreateRequest) error {
	err := ValidateParameters(req.Parameters)
	if err != nil {
		return err
	}

	if req.OutputFormat != "" {
		_, err = audio.ParseFormat(req.OutputFormat)
		if err != nil {
			return err
		}
	}

	displayName := &req.DisplayName

	err = ValidateMetadata(displayName, req.Tags)
	if err != nil {
		return err
	}

	_, err = s.Voices.Resolve(req.Voice)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrValidation, err)
	}

	return nil
}
