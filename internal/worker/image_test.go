package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jobengine/internal/config"
	"jobengine/internal/engine"
	"jobengine/internal/models"
)

func pngFixture(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	// Paint red so the grayscale check below can assert equal channels.
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestImageHandlerLocalResizeAndGrayscale(t *testing.T) {
	fixture := pngFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(fixture)
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	cfg := config.Config{
		ImageOutputDir:       tempDir,
		ImageDownloadTimeout: 2 * time.Second,
		ImageMaxBytes:        2 * 1024 * 1024,
		ImageDefaultWidth:    5,
	}

	handler, err := NewImageHandler(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new image handler: %v", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"kind":       "resize_image",
		"source_url": srv.URL,
		"grayscale":  true,
		"width":      5,
		"output_key": "thumbs/test.png",
	})
	job := models.Job{ID: "job-1", Payload: payload}

	result, err := handler.Handle(context.Background(), job)
	if err != nil {
		t.Fatalf("handle image: %v", err)
	}

	var res imageResult
	if err := json.Unmarshal(result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Format != "png" || res.Bytes == 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	outputPath := filepath.Join(tempDir, "thumbs", "test.png")
	if res.Location != outputPath {
		t.Fatalf("expected location %s, got %s", outputPath, res.Location)
	}
	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}

	outImg, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if outImg.Bounds().Dx() != 5 {
		t.Fatalf("expected width 5, got %d", outImg.Bounds().Dx())
	}
	r, g, b, _ := outImg.At(0, 0).RGBA()
	if r != g || g != b {
		t.Fatalf("expected grayscale pixel, got r=%d g=%d b=%d", r, g, b)
	}
}

func TestImageHandlerMissingSourceURL(t *testing.T) {
	handler, err := NewImageHandler(context.Background(), config.Config{ImageOutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new image handler: %v", err)
	}

	job := models.Job{ID: "job-2", Payload: json.RawMessage(`{"kind":"resize_image"}`)}
	if _, err := handler.Handle(context.Background(), job); !errors.Is(err, engine.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload error, got %v", err)
	}
}

func TestImageHandlerRejectsEscapingOutputKey(t *testing.T) {
	fixture := pngFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(fixture)
	}))
	defer srv.Close()

	outer := t.TempDir()
	outputDir := filepath.Join(outer, "output")
	handler, err := NewImageHandler(context.Background(), config.Config{
		ImageOutputDir:    outputDir,
		ImageDefaultWidth: 5,
	})
	if err != nil {
		t.Fatalf("new image handler: %v", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"kind":       "resize_image",
		"source_url": srv.URL,
		"output_key": "../escape.png",
	})
	job := models.Job{ID: "job-3", Payload: payload}

	if _, err := handler.Handle(context.Background(), job); !errors.Is(err, engine.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload error, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(outer, "escape.png")); !os.IsNotExist(err) {
		t.Fatalf("output written outside the output directory: %v", err)
	}
}
