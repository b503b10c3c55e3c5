package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Metadata describes the exported model: tensor names and shapes, class labels in output
// order, and how pixels are normalised.
type Metadata struct {
	InputShape   []int64   `json:"input_shape"`
	OutputShape  []int64   `json:"output_shape"`
	Classes      []string  `json:"classes"`
	ImageSize    int       `json:"image_size"`
	InputName    string    `json:"input_name"`
	OutputName   string    `json:"output_name"`
	ApplySoftmax bool      `json:"apply_softmax"`
	Mean         []float32 `json:"mean"`
	Std          []float32 `json:"std"`
}

// LoadMetadata reads and validates a metadata JSON file, filling defaults.
func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := metadata.normalize(); err != nil {
		return Metadata{}, fmt.Errorf("invalid metadata %s: %w", path, err)
	}
	return metadata, nil
}

// Channels is 1 for grayscale models and 3 for RGB.
func (m Metadata) Channels() int {
	return int(m.InputShape[1])
}

func (m *Metadata) normalize() error {
	if len(m.Classes) == 0 {
		return errors.New("no classes")
	}
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 {
		return fmt.Errorf("input shape %v, want [1 C H W]", m.InputShape)
	}
	if c := m.InputShape[1]; c != 1 && c != 3 {
		return fmt.Errorf("input shape %v: %d channels, want 1 or 3", m.InputShape, c)
	}
	if m.InputShape[2] != m.InputShape[3] {
		return fmt.Errorf("input shape %v is not square", m.InputShape)
	}
	if m.ImageSize == 0 {
		m.ImageSize = int(m.InputShape[2])
	}
	if int64(m.ImageSize) != m.InputShape[2] {
		return fmt.Errorf("image_size %d does not match input shape %v", m.ImageSize, m.InputShape)
	}

	outputs := int64(1)
	for _, dim := range m.OutputShape {
		outputs *= dim
	}
	if len(m.OutputShape) == 0 || outputs < int64(len(m.Classes)) {
		return fmt.Errorf("output shape %v too small for %d classes", m.OutputShape, len(m.Classes))
	}

	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}

	channels := m.Channels()
	if len(m.Mean) == 0 {
		m.Mean = make([]float32, channels)
	}
	if len(m.Std) == 0 {
		m.Std = make([]float32, channels)
		for i := range m.Std {
			m.Std[i] = 1
		}
	}
	if len(m.Mean) != channels || len(m.Std) != channels {
		return fmt.Errorf("mean/std need %d entries", channels)
	}
	for _, s := range m.Std {
		if s == 0 {
			return errors.New("std contains zero")
		}
	}
	return nil
}
