package model

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Brownie44l1/fer-tally/internal/config"
)

func TestOutputUnmarshalShapes(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantLen   int
		wantFirst string
	}{
		{
			name:      "single record",
			raw:       `{"dominant_emotion":"happy","emotion":{"happy":90,"sad":10}}`,
			wantLen:   1,
			wantFirst: "happy",
		},
		{
			name:      "list of records",
			raw:       `[{"dominant_emotion":"sad","emotion":{"sad":70}},{"dominant_emotion":"happy","emotion":{"happy":80}}]`,
			wantLen:   2,
			wantFirst: "sad",
		},
		{
			name:      "results envelope",
			raw:       `{"results":[{"dominant_emotion":"fear","emotion":{"fear":55}}]}`,
			wantLen:   1,
			wantFirst: "fear",
		},
		{
			name:    "empty list",
			raw:     `[]`,
			wantLen: 0,
		},
		{
			name:    "null",
			raw:     `null`,
			wantLen: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out Output
			if err := json.Unmarshal([]byte(tt.raw), &out); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if len(out) != tt.wantLen {
				t.Fatalf("Expected %d records, got %d", tt.wantLen, len(out))
			}
			if tt.wantLen > 0 && out[0].DominantEmotion != tt.wantFirst {
				t.Errorf("Expected first record %q, got %q", tt.wantFirst, out[0].DominantEmotion)
			}
		})
	}
}

func TestOutputUnmarshalRejectsScalars(t *testing.T) {
	var out Output
	if err := json.Unmarshal([]byte(`"happy"`), &out); err == nil {
		t.Error("Expected error for a bare string")
	}
}

func TestRecordFromLogits(t *testing.T) {
	rec := RecordFromLogits([]float32{0.1, 2.5, -1, 0.3}, []string{"Angry", "Happy", "Sad", "Neutral"})

	if rec.DominantEmotion != "happy" {
		t.Errorf("Expected happy, got %s", rec.DominantEmotion)
	}
	if len(rec.Emotion) != 4 {
		t.Fatalf("Expected 4 scores, got %d", len(rec.Emotion))
	}

	var sum float64
	for label, v := range rec.Emotion {
		if v < 0 {
			t.Errorf("Score for %s is negative: %f", label, v)
		}
		sum += v
	}
	if math.Abs(sum-100) > 1e-6 {
		t.Errorf("Scores should sum to 100, got %f", sum)
	}
}

func TestRecordFromLogitsMoreLogitsThanClasses(t *testing.T) {
	rec := RecordFromLogits([]float32{1, 2, 9}, []string{"happy", "sad"})
	if rec.DominantEmotion != "sad" {
		t.Errorf("Extra logits should be ignored, got %s", rec.DominantEmotion)
	}
	if len(rec.Emotion) != 2 {
		t.Errorf("Expected 2 scores, got %d", len(rec.Emotion))
	}
}

func TestPreprocessLayout(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{255, 0, 0, 255})
		}
	}

	rgb := Preprocess(img, Metadata{InputShape: []int64{1, 3, 4, 4}})
	if len(rgb) != 3*16 {
		t.Fatalf("Expected 48 values, got %d", len(rgb))
	}
	if math.Abs(float64(rgb[0])-1) > 0.01 || rgb[16] > 0.01 || rgb[32] > 0.01 {
		t.Errorf("Expected planar red, got r=%f g=%f b=%f", rgb[0], rgb[16], rgb[32])
	}

	gray := Preprocess(img, Metadata{InputShape: []int64{1, 1, 4, 4}})
	if len(gray) != 16 {
		t.Fatalf("Expected 16 values, got %d", len(gray))
	}
	if math.Abs(float64(gray[0])-0.299) > 0.01 {
		t.Errorf("Expected luma 0.299, got %f", gray[0])
	}
}

func writeTestPNG(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "face.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDeepFaceClientAnalyze(t *testing.T) {
	var got deepFaceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"results":[
			{"dominant_emotion":"surprise","emotion":{"surprise":60,"happy":40},"face_confidence":0.93},
			{"dominant_emotion":"sad","emotion":{"sad":99},"face_confidence":0.88}
		]}`)
	}))
	defer srv.Close()

	client := NewDeepFaceClient(srv.URL+"/", 5*time.Second)
	out, err := client.Analyze(context.Background(), Input{ID: "1", Path: writeTestPNG(t)})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if len(out) != 2 || out[0].DominantEmotion != "surprise" {
		t.Errorf("Expected two records starting with surprise, got %+v", out)
	}
	if got.EnforceDetection {
		t.Error("Face detection enforcement must be disabled")
	}
	if len(got.Actions) != 1 || got.Actions[0] != "emotion" {
		t.Errorf("Expected emotion action, got %v", got.Actions)
	}
	if !strings.HasPrefix(got.Img, "data:image/png;base64,") {
		t.Errorf("Expected PNG data URI, got %.40s", got.Img)
	}
}

func TestDeepFaceClientNoFace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"dominant_emotion":"neutral","emotion":{"neutral":50},"face_confidence":0}]`)
	}))
	defer srv.Close()

	_, err := NewDeepFaceClient(srv.URL, time.Second).Analyze(context.Background(), Input{Path: writeTestPNG(t)})
	if !errors.Is(err, ErrNoFace) {
		t.Errorf("Expected ErrNoFace, got %v", err)
	}
}

func TestDeepFaceClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Face could not be detected", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewDeepFaceClient(srv.URL, time.Second).Analyze(context.Background(), Input{Path: writeTestPNG(t)})
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("Expected status error, got %v", err)
	}
}

func TestParseModelJSON(t *testing.T) {
	raw := "```json\n[\n  {\"dominant_emotion\": \"happy\", \"emotion\": {\"happy\": 88, \"sad\": 12,}},\n  // largest face first\n]\n```"

	out, err := ParseModelJSON(raw)
	if err != nil {
		t.Fatalf("ParseModelJSON failed: %v", err)
	}
	if len(out) != 1 || out[0].Emotion["happy"] != 88 {
		t.Errorf("Unexpected output %+v", out)
	}

	if _, err := ParseModelJSON("[]"); !errors.Is(err, ErrNoFace) {
		t.Errorf("Expected ErrNoFace for empty list, got %v", err)
	}
	if _, err := ParseModelJSON("I cannot help with that."); err == nil {
		t.Error("Expected error for prose answer")
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, _, err := Open(configFor("keras")); err == nil {
		t.Error("Expected error for unknown backend")
	}
	a, closeFn, err := Open(configFor("deepface"))
	if err != nil || a == nil || closeFn == nil {
		t.Fatalf("Expected deepface analyzer, got %v", err)
	}
	closeFn()
}

func configFor(backend string) config.ModelConfig {
	return config.ModelConfig{Backend: backend, URL: "http://localhost:5005", Timeout: time.Second}
}
