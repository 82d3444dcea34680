package task

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Decode option defaults matching the whisper engines.
const (
	DefaultTemperature               = "0.8,1.0"
	DefaultCompressionRatioThreshold = 1.8
	DefaultNoSpeechThreshold         = 0.6
	DefaultClipTimestamps            = "0.0"
	DefaultPrependPunctuations       = "\"'“¿([{-"
	DefaultAppendPunctuations        = "\"'.。,，!！?？:：”)]}、"
)

// SubmitRequest is the external task submission shape. String fields
// arrive verbatim from form values; pointer fields distinguish "absent"
// from an explicit zero.
type SubmitRequest struct {
	TaskType    string `json:"task_type"`
	Priority    string `json:"priority"`
	CallbackURL string `json:"callback_url"`
	Platform    string `json:"platform"`
	Language    string `json:"language"`
	FileURL     string `json:"file_url"`

	// Engine decode parameters, passed through to the engine.
	Temperature                   string   `json:"temperature"`
	CompressionRatioThreshold     *float64 `json:"compression_ratio_threshold"`
	NoSpeechThreshold             *float64 `json:"no_speech_threshold"`
	ConditionOnPreviousText       *bool    `json:"condition_on_previous_text"`
	InitialPrompt                 string   `json:"initial_prompt"`
	WordTimestamps                *bool    `json:"word_timestamps"`
	PrependPunctuations           *string  `json:"prepend_punctuations"`
	AppendPunctuations            *string  `json:"append_punctuations"`
	ClipTimestamps                string   `json:"clip_timestamps"`
	HallucinationSilenceThreshold *float64 `json:"hallucination_silence_threshold"`
}

// DecodeOptions builds the engine decode parameter map. Defaults fill
// omitted fields; temperature accepts a single float or a comma list
// (normalized to float or float list), clip_timestamps accepts the same
// but keeps the single-value form as a string, the way the engines
// expect it.
func (r *SubmitRequest) DecodeOptions() (map[string]interface{}, error) {
	temperature := r.Temperature
	if temperature == "" {
		temperature = DefaultTemperature
	}
	temperatureValue, err := parseFloatOrList(temperature)
	if err != nil {
		return nil, fmt.Errorf("invalid temperature %q: %w", temperature, err)
	}

	clipTimestamps := r.ClipTimestamps
	if clipTimestamps == "" {
		clipTimestamps = DefaultClipTimestamps
	}
	clipValue, err := parseClipTimestamps(clipTimestamps)
	if err != nil {
		return nil, fmt.Errorf("invalid clip_timestamps %q: %w", clipTimestamps, err)
	}

	var language interface{}
	if r.Language != "" {
		language = r.Language
	}
	var hallucination interface{}
	if r.HallucinationSilenceThreshold != nil {
		hallucination = *r.HallucinationSilenceThreshold
	}

	options := map[string]interface{}{
		"language":                        language,
		"temperature":                     temperatureValue,
		"compression_ratio_threshold":     floatOrDefault(r.CompressionRatioThreshold, DefaultCompressionRatioThreshold),
		"no_speech_threshold":             floatOrDefault(r.NoSpeechThreshold, DefaultNoSpeechThreshold),
		"condition_on_previous_text":      boolOrDefault(r.ConditionOnPreviousText, true),
		"initial_prompt":                  r.InitialPrompt,
		"word_timestamps":                 boolOrDefault(r.WordTimestamps, false),
		"prepend_punctuations":            stringOrDefault(r.PrependPunctuations, DefaultPrependPunctuations),
		"append_punctuations":             stringOrDefault(r.AppendPunctuations, DefaultAppendPunctuations),
		"clip_timestamps":                 clipValue,
		"hallucination_silence_threshold": hallucination,
	}
	return options, nil
}

// NewTask validates the request and produces the queued task it
// describes. File attributes are filled in by the caller once the
// upload or download side is known.
func (r *SubmitRequest) NewTask() (*Task, error) {
	taskType, err := ParseType(r.TaskType)
	if err != nil {
		return nil, err
	}
	priority, err := ParsePriority(r.Priority)
	if err != nil {
		return nil, err
	}
	if r.FileURL != "" {
		if err := validateURL(r.FileURL); err != nil {
			return nil, err
		}
	}
	options, err := r.DecodeOptions()
	if err != nil {
		return nil, err
	}

	return &Task{
		Status:        StatusQueued,
		Priority:      priority,
		TaskType:      taskType,
		FileURL:       r.FileURL,
		Platform:      r.Platform,
		Language:      r.Language,
		DecodeOptions: options,
		CallbackURL:   r.CallbackURL,
	}, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("the format of the file URL is incorrect: %s", raw)
	}
	return nil
}

// parseFloatOrList parses "0.8" to a float64 and "0.8,1.0" to a
// []float64.
func parseFloatOrList(s string) (interface{}, error) {
	if !strings.Contains(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, err
		}
		return v, nil
	}

	parts := strings.Split(s, ",")
	values := make([]float64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// parseClipTimestamps keeps a single value in its string form and turns
// a comma list into floats. Both forms are validated as floats.
func parseClipTimestamps(s string) (interface{}, error) {
	if !strings.Contains(s, ",") {
		if _, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return nil, err
		}
		return s, nil
	}
	return parseFloatOrList(s)
}

func floatOrDefault(v *float64, def float64) float64 {
	if v != nil {
		return *v
	}
	return def
}

func boolOrDefault(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}

func stringOrDefault(v *string, def string) string {
	if v != nil {
		return *v
	}
	return def
}
