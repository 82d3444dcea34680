package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeOptionsDefaults(t *testing.T) {
	req := &SubmitRequest{}
	options, err := req.DecodeOptions()
	require.NoError(t, err)

	assert.Equal(t, []float64{0.8, 1.0}, options["temperature"])
	assert.Equal(t, 1.8, options["compression_ratio_threshold"])
	assert.Equal(t, 0.6, options["no_speech_threshold"])
	assert.Equal(t, true, options["condition_on_previous_text"])
	assert.Equal(t, false, options["word_timestamps"])
	assert.Equal(t, "0.0", options["clip_timestamps"])
	assert.Equal(t, DefaultPrependPunctuations, options["prepend_punctuations"])
	assert.Equal(t, DefaultAppendPunctuations, options["append_punctuations"])
	assert.Nil(t, options["language"])
	assert.Nil(t, options["hallucination_silence_threshold"])
}

func TestDecodeOptionsTemperatureForms(t *testing.T) {
	req := &SubmitRequest{Temperature: "0.5"}
	options, err := req.DecodeOptions()
	require.NoError(t, err)
	assert.Equal(t, 0.5, options["temperature"])

	req = &SubmitRequest{Temperature: "0.2, 0.4, 0.6"}
	options, err = req.DecodeOptions()
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0.4, 0.6}, options["temperature"])

	req = &SubmitRequest{Temperature: "warm"}
	_, err = req.DecodeOptions()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temperature")
}

func TestDecodeOptionsClipTimestampForms(t *testing.T) {
	// A single clip value stays in string form.
	req := &SubmitRequest{ClipTimestamps: "2.5"}
	options, err := req.DecodeOptions()
	require.NoError(t, err)
	assert.Equal(t, "2.5", options["clip_timestamps"])

	req = &SubmitRequest{ClipTimestamps: "1.0,2.0,4.5"}
	options, err = req.DecodeOptions()
	require.NoError(t, err)
	assert.Equal(t, []float64{1.0, 2.0, 4.5}, options["clip_timestamps"])

	req = &SubmitRequest{ClipTimestamps: "start,end"}
	_, err = req.DecodeOptions()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clip_timestamps")
}

func TestDecodeOptionsExplicitOverrides(t *testing.T) {
	threshold := 2.4
	condition := false
	words := true
	hallucination := 1.5
	req := &SubmitRequest{
		Language:                      "en",
		CompressionRatioThreshold:     &threshold,
		ConditionOnPreviousText:       &condition,
		WordTimestamps:                &words,
		InitialPrompt:                 "context",
		HallucinationSilenceThreshold: &hallucination,
	}

	options, err := req.DecodeOptions()
	require.NoError(t, err)
	assert.Equal(t, "en", options["language"])
	assert.Equal(t, 2.4, options["compression_ratio_threshold"])
	assert.Equal(t, false, options["condition_on_previous_text"])
	assert.Equal(t, true, options["word_timestamps"])
	assert.Equal(t, "context", options["initial_prompt"])
	assert.Equal(t, 1.5, options["hallucination_silence_threshold"])
}

func TestNewTaskFromRequest(t *testing.T) {
	req := &SubmitRequest{
		TaskType:    "translate",
		Priority:    "high",
		FileURL:     "https://example.com/video.mp4",
		Platform:    "youtube",
		Language:    "en",
		CallbackURL: "https://example.com/hook",
	}

	created, err := req.NewTask()
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, created.Status)
	assert.Equal(t, TypeTranslate, created.TaskType)
	assert.Equal(t, PriorityHigh, created.Priority)
	assert.Equal(t, "https://example.com/video.mp4", created.FileURL)
	assert.Equal(t, "youtube", created.Platform)
	assert.Equal(t, "https://example.com/hook", created.CallbackURL)
	require.NotNil(t, created.DecodeOptions)
	assert.Equal(t, "en", created.DecodeOptions["language"])
}

func TestNewTaskValidation(t *testing.T) {
	_, err := (&SubmitRequest{TaskType: "subtitle"}).NewTask()
	assert.Error(t, err)

	_, err = (&SubmitRequest{Priority: "urgent"}).NewTask()
	assert.Error(t, err)

	_, err = (&SubmitRequest{FileURL: "not a url"}).NewTask()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file URL")

	_, err = (&SubmitRequest{Temperature: "hot"}).NewTask()
	assert.Error(t, err)
}
