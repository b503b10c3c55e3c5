package model

import (
	"context"
	"fmt"
	"image"
	"os"

	"github.com/chewxy/math32"
	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-session/internal/classifier"
)

// Scorer runs an ONNX emotion model. A single session is shared by all callers; tensors
// are allocated per call so concurrent Score calls are safe.
type Scorer struct {
	session  *ort.DynamicAdvancedSession
	Metadata Metadata
	logger   *zap.Logger
}

// Load reads the metadata, initializes the ONNX Runtime environment and opens the model.
// libraryPath may be empty to use the onnxruntime shared library found by default.
func Load(modelPath, metadataPath, libraryPath string, logger *zap.Logger) (*Scorer, error) {
	metadata, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName}, nil)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	logger.Info("model loaded",
		zap.String("model", modelPath),
		zap.Strings("classes", metadata.Classes),
		zap.Int("image_size", metadata.ImageSize),
		zap.Int("channels", metadata.Channels()),
	)
	return &Scorer{
		session:  session,
		Metadata: metadata,
		logger:   logger.Named("model"),
	}, nil
}

// Loader adapts Load to classifier.LoadFunc.
func Loader(modelPath, metadataPath, libraryPath string, logger *zap.Logger) classifier.LoadFunc {
	return func() (classifier.Scorer, error) {
		s, err := Load(modelPath, metadataPath, libraryPath, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Score returns one prediction per class.
func (s *Scorer) Score(_ context.Context, img *image.NRGBA) (classifier.RankedPredictionSet, error) {
	input, err := ort.NewTensor(ort.NewShape(s.Metadata.InputShape...), s.Preprocess(img))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(s.Metadata.OutputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := s.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	raw := output.GetData()
	s.logger.Debug("inference complete", zap.Float32s("raw", raw))
	return s.predictions(raw), nil
}

// Preprocess resizes img to the model's input size and lays it out as a normalised
// CHW float32 tensor.
func (s *Scorer) Preprocess(img *image.NRGBA) []float32 {
	size := s.Metadata.ImageSize
	if b := img.Bounds(); b.Dx() != size || b.Dy() != size {
		resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
		nrgba, ok := resized.(*image.NRGBA)
		if !ok {
			nrgba = imaging.Clone(resized)
		}
		img = nrgba
	}

	channels := s.Metadata.Channels()
	plane := size * size
	data := make([]float32, channels*plane)
	origin := img.Bounds().Min

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			px := img.NRGBAAt(origin.X+x, origin.Y+y)
			r := float32(px.R) / 255
			g := float32(px.G) / 255
			b := float32(px.B) / 255

			i := y*size + x
			if channels == 1 {
				gray := 0.299*r + 0.587*g + 0.114*b
				data[i] = (gray - s.Metadata.Mean[0]) / s.Metadata.Std[0]
				continue
			}
			data[i] = (r - s.Metadata.Mean[0]) / s.Metadata.Std[0]
			data[plane+i] = (g - s.Metadata.Mean[1]) / s.Metadata.Std[1]
			data[2*plane+i] = (b - s.Metadata.Mean[2]) / s.Metadata.Std[2]
		}
	}
	return data
}

// predictions pairs raw outputs with class labels. Values past the last class are ignored.
func (s *Scorer) predictions(raw []float32) classifier.RankedPredictionSet {
	n := min(len(raw), len(s.Metadata.Classes))
	scores := raw[:n]
	if s.Metadata.ApplySoftmax {
		scores = softmax(scores)
	}

	set := make(classifier.RankedPredictionSet, n)
	for i, score := range scores {
		set[i] = classifier.Prediction{Label: s.Metadata.Classes[i], Confidence: score}
	}
	return set
}

func (s *Scorer) Close() error {
	var err error
	if s.session != nil {
		err = s.session.Destroy()
		s.session = nil
	}
	if derr := ort.DestroyEnvironment(); err == nil {
		err = derr
	}
	return err
}

func softmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxVal := logits[0]
	for _, v := range logits[1:] {
		maxVal = math32.Max(maxVal, v)
	}
	var sum float32
	for i, v := range logits {
		out[i] = math32.Exp(v - maxVal)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
