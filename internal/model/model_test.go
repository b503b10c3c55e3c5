package model

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeMetadata(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model_metadata.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const ferMetadata = `{
	"input_shape": [1, 3, 4, 4],
	"output_shape": [1, 7],
	"classes": ["angry", "disgust", "fear", "happy", "sad", "surprise", "neutral"]
}`

func TestLoadMetadataDefaults(t *testing.T) {
	m, err := LoadMetadata(writeMetadata(t, ferMetadata))
	require.NoError(t, err)
	require.Equal(t, 4, m.ImageSize)
	require.Equal(t, "input", m.InputName)
	require.Equal(t, "output", m.OutputName)
	require.Equal(t, []float32{0, 0, 0}, m.Mean)
	require.Equal(t, []float32{1, 1, 1}, m.Std)
	require.Equal(t, 3, m.Channels())
}

func TestLoadMetadataRejects(t *testing.T) {
	tests := map[string]string{
		"no classes":       `{"input_shape":[1,3,4,4],"output_shape":[1,7],"classes":[]}`,
		"bad rank":         `{"input_shape":[3,4,4],"output_shape":[1,1],"classes":["a"]}`,
		"bad channels":     `{"input_shape":[1,2,4,4],"output_shape":[1,1],"classes":["a"]}`,
		"not square":       `{"input_shape":[1,3,4,5],"output_shape":[1,1],"classes":["a"]}`,
		"size mismatch":    `{"input_shape":[1,3,4,4],"output_shape":[1,1],"classes":["a"],"image_size":224}`,
		"output too small": `{"input_shape":[1,3,4,4],"output_shape":[1,1],"classes":["a","b"]}`,
		"zero std":         `{"input_shape":[1,1,4,4],"output_shape":[1,1],"classes":["a"],"std":[0]}`,
		"mean length":      `{"input_shape":[1,3,4,4],"output_shape":[1,1],"classes":["a"],"mean":[0.5]}`,
		"not json":         `{`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadMetadata(writeMetadata(t, body))
			require.Error(t, err)
		})
	}

	_, err := LoadMetadata(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestLoadMissingModelFails(t *testing.T) {
	metadata := writeMetadata(t, ferMetadata)
	_, err := Load(filepath.Join(t.TempDir(), "missing.onnx"), metadata, "", zaptest.NewLogger(t))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestPreprocessRGBLayout(t *testing.T) {
	m, err := LoadMetadata(writeMetadata(t, `{
		"input_shape": [1, 3, 2, 2], "output_shape": [1, 1], "classes": ["a"],
		"mean": [0.5, 0.5, 0.5], "std": [0.5, 0.5, 0.5]}`))
	require.NoError(t, err)
	s := &Scorer{Metadata: m}

	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.SetNRGBA(1, 0, color.NRGBA{R: 255, G: 0, B: 255, A: 255})
	data := s.Preprocess(img)

	require.Len(t, data, 12)
	// pixel (1,0) is index 1 in each plane
	require.InDelta(t, 1.0, data[1], 1e-6)
	require.InDelta(t, -1.0, data[4+1], 1e-6)
	require.InDelta(t, 1.0, data[8+1], 1e-6)
	require.InDelta(t, -1.0, data[0], 1e-6)
}

func TestPreprocessGrayscaleAndResize(t *testing.T) {
	m, err := LoadMetadata(writeMetadata(t, `{"input_shape": [1, 1, 4, 4], "output_shape": [1, 1], "classes": ["a"]}`))
	require.NoError(t, err)
	s := &Scorer{Metadata: m}

	img := image.NewNRGBA(image.Rect(5, 5, 25, 25))
	for y := 5; y < 25; y++ {
		for x := 5; x < 25; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	data := s.Preprocess(img)
	require.Len(t, data, 16)
	for _, v := range data {
		require.InDelta(t, 1.0, v, 0.01)
	}
}

func TestPredictionsSoftmax(t *testing.T) {
	s := &Scorer{Metadata: Metadata{Classes: []string{"happy", "sad"}, ApplySoftmax: true}}
	set := s.predictions([]float32{2, 2, 99})
	require.Len(t, set, 2)
	require.Equal(t, "happy", set[0].Label)
	require.InDelta(t, 0.5, set[0].Confidence, 1e-6)
	require.InDelta(t, 0.5, set[1].Confidence, 1e-6)
	require.NoError(t, set.Validate())
}

func TestPredictionsRaw(t *testing.T) {
	s := &Scorer{Metadata: Metadata{Classes: []string{"happy", "sad", "angry"}}}
	set := s.predictions([]float32{0.1, 0.9})
	require.Len(t, set, 2)
	best, ok := set.Best()
	require.True(t, ok)
	require.Equal(t, "sad", best.Label)
}

func TestSoftmaxStable(t *testing.T) {
	out := softmax([]float32{1000, 1000, 0})
	require.InDelta(t, 0.5, out[0], 1e-6)
	require.InDelta(t, 0.0, out[2], 1e-6)
	require.Empty(t, softmax(nil))
}
