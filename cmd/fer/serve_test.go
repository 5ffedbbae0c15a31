package main

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
)

type recorder struct {
	steps []string
}

func (r *recorder) Wait()        { r.steps = append(r.steps, "wait") }
func (r *recorder) Close() error { r.steps = append(r.steps, "store"); return errors.New("busy") }

func TestReleaseOrder(t *testing.T) {
	r := &recorder{}
	release(r, r, func() { r.steps = append(r.steps, "engine") }, zap.NewNop())

	if got := strings.Join(r.steps, ","); got != "wait,store,engine" {
		t.Errorf("Expected wait,store,engine, got %s", got)
	}
}
