package model

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"math"
	"os"
	"runtime"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"
)

// session is one ONNX Runtime session with its bound tensors. A session
// runs one inference at a time, so Server keeps a pool of them.
type session struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func (s *session) destroy() {
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
}

// Server runs an ONNX facial-expression classifier over whole images.
type Server struct {
	Metadata Metadata
	sessions chan *session
	all      []*session
}

// NewServer loads the model and its metadata and opens poolSize sessions.
// A poolSize below 1 opens one session per CPU.
func NewServer(modelPath, metadataPath string, poolSize int) (*Server, error) {
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	metaFile, err := os.ReadFile(metadataPath)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := metadata.validate(); err != nil {
		ort.DestroyEnvironment()
		return nil, err
	}

	if poolSize < 1 {
		poolSize = runtime.NumCPU()
	}

	s := &Server{
		Metadata: metadata,
		sessions: make(chan *session, poolSize),
	}
	for i := 0; i < poolSize; i++ {
		sess, err := newSession(modelPath, metadata)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.all = append(s.all, sess)
		s.sessions <- sess
	}

	return s, nil
}

func newSession(modelPath string, metadata Metadata) (*session, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	sess, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &session{
		session:      sess,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (m Metadata) validate() error {
	if len(m.InputShape) != 4 {
		return fmt.Errorf("metadata input_shape must be [batch, channels, height, width], got %v", m.InputShape)
	}
	if c := m.InputShape[1]; c != 1 && c != 3 {
		return fmt.Errorf("metadata input_shape must have 1 or 3 channels, got %d", c)
	}
	if len(m.Classes) == 0 {
		return fmt.Errorf("metadata classes cannot be empty")
	}
	return nil
}

// Analyze classifies the whole image as a single face.
func (s *Server) Analyze(ctx context.Context, in Input) (Output, error) {
	img := in.Image
	if img == nil {
		var err error
		img, err = imaging.Open(in.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", in.Path, err)
		}
	}

	inputData := Preprocess(img, s.Metadata)

	logits, err := s.Predict(ctx, inputData)
	if err != nil {
		return nil, err
	}

	return Output{RecordFromLogits(logits, s.Metadata.Classes)}, nil
}

// Predict runs one inference on a pooled session and returns a copy of
// the raw output tensor.
func (s *Server) Predict(ctx context.Context, inputData []float32) ([]float32, error) {
	var sess *session
	select {
	case sess = <-s.sessions:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { s.sessions <- sess }()

	in := sess.inputTensor.GetData()
	if len(inputData) != len(in) {
		return nil, fmt.Errorf("expected %d input values, got %d", len(in), len(inputData))
	}
	copy(in, inputData)

	if err := sess.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	outputData := sess.outputTensor.GetData()
	out := make([]float32, len(outputData))
	copy(out, outputData)
	return out, nil
}

func (s *Server) Close() {
	for _, sess := range s.all {
		sess.destroy()
	}
	s.all = nil
	ort.DestroyEnvironment()
}

// Preprocess converts an image into the planar CHW float32 layout the
// model expects, with values scaled to [0,1]. Single-channel models get
// the luma of each pixel.
func Preprocess(img image.Image, metadata Metadata) []float32 {
	width, height := metadata.ImageSize, metadata.ImageSize
	if len(metadata.InputShape) == 4 {
		height, width = int(metadata.InputShape[2]), int(metadata.InputShape[3])
	}
	channels := 3
	if len(metadata.InputShape) == 4 && metadata.InputShape[1] == 1 {
		channels = 1
	}

	resized := resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
	bounds := resized.Bounds()
	plane := width * height

	inputData := make([]float32, channels*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			rNorm := float32(r) / 65535.0
			gNorm := float32(g) / 65535.0
			bNorm := float32(b) / 65535.0

			pixelIndex := y*width + x
			if channels == 1 {
				inputData[pixelIndex] = 0.299*rNorm + 0.587*gNorm + 0.114*bNorm
				continue
			}
			inputData[pixelIndex] = rNorm
			inputData[plane+pixelIndex] = gNorm
			inputData[2*plane+pixelIndex] = bNorm
		}
	}

	return inputData
}

// RecordFromLogits turns raw class logits into a record with softmax
// probabilities (in percent, like DeepFace) keyed by lowercase label.
func RecordFromLogits(logits []float32, classes []string) FaceRecord {
	n := len(logits)
	if len(classes) < n {
		n = len(classes)
	}
	if n == 0 {
		return FaceRecord{}
	}

	maxLogit := math.Inf(-1)
	for _, v := range logits[:n] {
		maxLogit = math.Max(maxLogit, float64(v))
	}

	var sum float64
	exps := make([]float64, n)
	for i, v := range logits[:n] {
		exps[i] = math.Exp(float64(v) - maxLogit)
		sum += exps[i]
	}

	maxIdx := 0
	scores := make(map[string]float64, n)
	for i := 0; i < n; i++ {
		scores[strings.ToLower(classes[i])] = 100 * exps[i] / sum
		if exps[i] > exps[maxIdx] {
			maxIdx = i
		}
	}

	return FaceRecord{
		DominantEmotion: strings.ToLower(classes[maxIdx]),
		Emotion:         scores,
	}
}
