package model

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// DeepFaceClient calls the /analyze endpoint of a DeepFace REST server.
type DeepFaceClient struct {
	baseURL    string
	detector   string
	httpClient *http.Client
}

type deepFaceRequest struct {
	Img              string   `json:"img"`
	Actions          []string `json:"actions"`
	EnforceDetection bool     `json:"enforce_detection"`
	DetectorBackend  string   `json:"detector_backend,omitempty"`
}

func NewDeepFaceClient(baseURL string, timeout time.Duration) *DeepFaceClient {
	if baseURL == "" {
		baseURL = "http://localhost:5005"
	}
	return &DeepFaceClient{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		detector: "opencv",
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Analyze posts the image with face detection enforcement disabled, so a
// face-less photo still yields a record. Records the server scored with a
// face confidence of zero are reported as ErrNoFace.
func (c *DeepFaceClient) Analyze(ctx context.Context, in Input) (Output, error) {
	data, err := os.ReadFile(in.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", in.Path, err)
	}

	body, err := json.Marshal(deepFaceRequest{
		Img:              "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data),
		Actions:          []string{"emotion"},
		EnforceDetection: false,
		DetectorBackend:  c.detector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("received non-200 status code: %d - %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out Output
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}

	if noFace(out) {
		return nil, ErrNoFace
	}
	return out, nil
}

func noFace(out Output) bool {
	if len(out) == 0 {
		return true
	}
	for _, rec := range out {
		if rec.FaceConfidence == nil || *rec.FaceConfidence > 0 {
			return false
		}
	}
	return true
}
