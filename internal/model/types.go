package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
)

// ErrNoFace is returned by backends that can tell the image holds no face.
var ErrNoFace = errors.New("no face detected")

// Analyzer is a single call into a pretrained facial-emotion model.
type Analyzer interface {
	Analyze(ctx context.Context, in Input) (Output, error)
}

// Input points the model at one normalized image. Backends pick whichever
// representation they need: the decoded raster or the transient file.
type Input struct {
	ID    string
	Path  string
	Image image.Image
}

type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
}

type Region struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// FaceRecord is one analysed face in the DeepFace result layout.
type FaceRecord struct {
	DominantEmotion string             `json:"dominant_emotion"`
	Emotion         map[string]float64 `json:"emotion"`
	Region          *Region            `json:"region,omitempty"`
	FaceConfidence  *float64           `json:"face_confidence,omitempty"`
}

// Output is the raw model answer, one record per detected face, in the
// order the model reported them.
type Output []FaceRecord

// UnmarshalJSON accepts a single record, a list of records, or an
// envelope of the form {"results": [...]}.
func (o *Output) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*o = nil
		return nil
	}

	switch data[0] {
	case '[':
		var records []FaceRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return err
		}
		*o = records
		return nil
	case '{':
		var envelope struct {
			Results *Output `json:"results"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return err
		}
		if envelope.Results != nil {
			*o = *envelope.Results
			return nil
		}
		var record FaceRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		*o = Output{record}
		return nil
	default:
		return errors.New("model output must be a JSON object or array")
	}
}
