package config

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Descriptor describes one option: its default and the check a supplied
// value must pass.
type Descriptor[T any] struct {
	Name     string
	Default  T
	Validate func(T) bool
	Message  string
}

// Warning records an option value that was rejected in favour of its default.
type Warning struct {
	Name    string
	Message string
	Value   any
}

func (w Warning) String() string {
	return fmt.Sprintf("Invalid configuration. %s %s, got %v", w.Name, w.Message, w.Value)
}

// Resolve returns v when it passes validation. Otherwise it returns the
// default and a warning describing the rejected value.
func (d Descriptor[T]) Resolve(v T) (T, *Warning) {
	if d.Validate == nil || d.Validate(v) {
		return v, nil
	}
	return d.Default, &Warning{Name: d.Name, Message: d.Message, Value: v}
}

var (
	endpointOption = Descriptor[string]{
		Name:     "endpoint",
		Default:  DefaultEndpoint,
		Validate: nonEmpty,
		Message:  "should be a non-empty string",
	}
	releaseStageOption = Descriptor[string]{
		Name:     "releaseStage",
		Default:  DefaultReleaseStage,
		Validate: nonEmpty,
		Message:  "should be a non-empty string",
	}
	enabledReleaseStagesOption = Descriptor[[]string]{
		Name:    "enabledReleaseStages",
		Default: nil,
		Validate: func(v []string) bool {
			for _, s := range v {
				if strings.TrimSpace(s) == "" {
					return false
				}
			}
			return true
		},
		Message: "should be an array of non-empty strings",
	}
	maximumBatchSizeOption = Descriptor[int]{
		Name:     "maximumBatchSize",
		Default:  DefaultMaximumBatchSize,
		Validate: func(v int) bool { return v >= 1 && v <= 100 },
		Message:  "should be a number between 1 and 100",
	}
	batchAgeOption = Descriptor[time.Duration]{
		Name:     "batchAge",
		Default:  DefaultBatchAge,
		Validate: func(v time.Duration) bool { return v > 0 },
		Message:  "should be a positive duration",
	}
	samplingProbabilityOption = Descriptor[float64]{
		Name:     "samplingProbability",
		Default:  DefaultSamplingProbability,
		Validate: func(v float64) bool { return !math.IsNaN(v) && v >= 0 && v <= 1 },
		Message:  "should be a number between 0 and 1",
	}
	retryQueueMaxPayloadsOption = Descriptor[int]{
		Name:     "retryQueueMaxPayloads",
		Default:  DefaultRetryQueueMaxPayloads,
		Validate: func(v int) bool { return v > 0 },
		Message:  "should be a positive number",
	}
	retryQueueMaxAgeOption = Descriptor[time.Duration]{
		Name:     "retryQueueMaxAge",
		Default:  DefaultRetryQueueMaxAge,
		Validate: func(v time.Duration) bool { return v > 0 },
		Message:  "should be a positive duration",
	}
	retryRateOption = Descriptor[float64]{
		Name:     "retryRate",
		Default:  0,
		Validate: func(v float64) bool { return !math.IsNaN(v) && v >= 0 },
		Message:  "should be a non-negative number",
	}
)

func nonEmpty(s string) bool { return strings.TrimSpace(s) != "" }

// Resolve replaces every invalid option value with its default and returns
// the warnings, in field order.
func (c Config) Resolve() (Config, []Warning) {
	var warnings []Warning
	note := func(w *Warning) {
		if w != nil {
			warnings = append(warnings, *w)
		}
	}

	var w *Warning
	c.Endpoint, w = endpointOption.Resolve(c.Endpoint)
	note(w)
	c.ReleaseStage, w = releaseStageOption.Resolve(c.ReleaseStage)
	note(w)
	c.EnabledReleaseStages, w = enabledReleaseStagesOption.Resolve(c.EnabledReleaseStages)
	note(w)
	c.MaximumBatchSize, w = maximumBatchSizeOption.Resolve(c.MaximumBatchSize)
	note(w)
	c.BatchAge, w = batchAgeOption.Resolve(c.BatchAge)
	note(w)
	c.SamplingProbability, w = samplingProbabilityOption.Resolve(c.SamplingProbability)
	note(w)
	c.RetryQueueMaxPayloads, w = retryQueueMaxPayloadsOption.Resolve(c.RetryQueueMaxPayloads)
	note(w)
	c.RetryQueueMaxAge, w = retryQueueMaxAgeOption.Resolve(c.RetryQueueMaxAge)
	note(w)
	c.RetryRate, w = retryRateOption.Resolve(c.RetryRate)
	note(w)
	return c, warnings
}
