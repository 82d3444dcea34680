package engine

import (
	"fmt"
	"reflect"
)

// Word is one word-level timestamp within a segment.
type Word struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Word        string  `json:"word"`
	Probability float64 `json:"probability"`
}

// Segment is one time-bounded piece of the transcription.
type Segment struct {
	ID               int     `json:"id"`
	Seek             int     `json:"seek"`
	Start            float64 `json:"start"`
	End              float64 `json:"end"`
	Text             string  `json:"text"`
	Tokens           []int   `json:"tokens,omitempty"`
	Temperature      float64 `json:"temperature"`
	AvgLogprob       float64 `json:"avg_logprob"`
	CompressionRatio float64 `json:"compression_ratio"`
	NoSpeechProb     float64 `json:"no_speech_prob"`
	Words            []Word  `json:"words,omitempty"`
}

// Result is the raw output of one transcription call.
type Result struct {
	Text     string                 `json:"text"`
	Segments []Segment              `json:"segments"`
	Language string                 `json:"language"`
	Info     map[string]interface{} `json:"info"`
}

// ToPlain recursively converts structured values into string-keyed maps
// and plain slices so results can be stored and serialized uniformly.
// Structs become maps keyed by json tag (falling back to the field name),
// list kinds are preserved, scalars pass through unchanged.
func ToPlain(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	return toPlainValue(reflect.ValueOf(v))
}

func toPlainValue(v reflect.Value) interface{} {
	switch v.Kind() {
	case reflect.Invalid:
		return nil

	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return toPlainValue(v.Elem())

	case reflect.Struct:
		out := make(map[string]interface{}, v.NumField())
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if field.PkgPath != "" {
				continue // unexported
			}
			out[plainKey(field)] = toPlainValue(v.Field(i))
		}
		return out

	case reflect.Map:
		out := make(map[string]interface{}, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = toPlainValue(iter.Value())
		}
		return out

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil
		}
		out := make([]interface{}, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = toPlainValue(v.Index(i))
		}
		return out

	default:
		return v.Interface()
	}
}

func plainKey(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "" || tag == "-" {
		return field.Name
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			if i == 0 {
				return field.Name
			}
			return tag[:i]
		}
	}
	return tag
}

// SegmentsToPlain converts typed segments into the storage representation.
func SegmentsToPlain(segments []Segment) []interface{} {
	plain := ToPlain(segments)
	if plain == nil {
		return nil
	}
	return plain.([]interface{})
}
