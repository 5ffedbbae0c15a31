package model

import (
	"fmt"

	"github.com/Brownie44l1/fer-tally/internal/config"
)

// Open builds the analyzer selected by cfg.Backend. The returned close
// function releases backend resources and is never nil.
func Open(cfg config.ModelConfig) (Analyzer, func(), error) {
	switch cfg.Backend {
	case "onnx":
		srv, err := NewServer(cfg.Path, cfg.MetadataPath, cfg.Sessions)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize model server: %w", err)
		}
		return srv, srv.Close, nil
	case "deepface":
		return NewDeepFaceClient(cfg.URL, cfg.Timeout), func() {}, nil
	case "ollama":
		c, err := NewOllamaClient(cfg.URL, cfg.Name, cfg.Timeout)
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown model backend %q", cfg.Backend)
	}
}
