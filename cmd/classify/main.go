package main

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"time"

	"github.com/akamensky/argparse"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-session/internal/classifier"
	"github.com/Brownie44l1/fer-session/internal/config"
	"github.com/Brownie44l1/fer-session/internal/logging"
	"github.com/Brownie44l1/fer-session/internal/model"
	"github.com/Brownie44l1/fer-session/internal/presenter"
	"github.com/Brownie44l1/fer-session/internal/session"
)

func main() {
	cfg := config.Load()

	parser := argparse.NewParser("classify", "Predict the emotion shown in a face photograph")
	input := parser.String("i", "image", &argparse.Options{Help: "JPEG or PNG image of a face", Required: true})
	modelFile := parser.String("m", "model", &argparse.Options{Help: "ONNX model file", Default: cfg.Model.ModelPath})
	metadataFile := parser.String("", "metadata", &argparse.Options{Help: "Model metadata JSON", Default: cfg.Model.MetadataPath})
	size := parser.Int("s", "size", &argparse.Options{Help: "Side of the square image handed to the model", Default: cfg.Session.ImageSize})
	timeout := parser.Int("t", "timeout", &argparse.Options{Help: "Seconds to wait for a result", Default: 30})
	verbose := parser.Flag("v", "verbose", &argparse.Options{Help: "Debug logging"})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	level := cfg.Log.Level
	if *verbose {
		level = "debug"
	}
	logger, err := logging.NewLogger(level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	img, err := decodeFile(*input)
	if err != nil {
		logger.Fatal("failed to read image", zap.String("path", *input), zap.Error(err))
	}

	engine, err := classifier.Initialize(model.Loader(*modelFile, *metadataFile, cfg.Model.ORTLibraryPath, logger), logger)
	if err != nil {
		logger.Fatal("failed to load emotion model", zap.Error(err))
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeout)*time.Second)
	defer cancel()

	loop := presenter.NewLoop(1, logger)
	go loop.Run(ctx)

	result := make(chan session.State, 1)
	s := session.NewController(engine, loop, logger, session.WithImageSize(*size))
	s.Subscribe(func(st session.State) {
		if st.Emotion != "" {
			result <- st
		}
	})
	s.SetImage(img)
	s.Classify()

	select {
	case st := <-result:
		fmt.Printf("%s %s\n", st.Emotion, st.AccuracyText)
		if st.Failure != classifier.FailureNone {
			logger.Warn("classification failed", zap.Stringer("failure", st.Failure))
			os.Exit(2)
		}
	case <-ctx.Done():
		logger.Fatal("timed out waiting for a result", zap.Int("timeout_sec", *timeout))
	}
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	return img, err
}
