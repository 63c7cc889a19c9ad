package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"image-worker/internal/entity"
	imgutil "image-worker/internal/imaging"
)

const nsfwInputSize = 224

// Classifier scores one frame; the result is recorded verbatim under nsfw.
type Classifier interface {
	Classify(ctx context.Context, img image.Image) (*entity.Map, error)
}

// HTTPClassifier posts a 224x224 PNG to a model server that answers with a
// JSON object of class scores.
type HTTPClassifier struct {
	url    string
	client *http.Client
}

func NewHTTPClassifier(url string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClassifier{url: url, client: &http.Client{Timeout: timeout}}
}

func (c *HTTPClassifier) Classify(ctx context.Context, img image.Image) (*entity.Map, error) {
	small := imaging.Resize(img, nsfwInputSize, nsfwInputSize, imaging.NearestNeighbor)
	body, err := imgutil.EncodePNG(small)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("nsfw: build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nsfw: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("nsfw: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nsfw: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	scores, err := entity.ParseMap(data)
	if err != nil {
		return nil, fmt.Errorf("nsfw: decode response: %w", err)
	}
	return scores, nil
}

// NoopClassifier records an empty score map.
type NoopClassifier struct{}

func (NoopClassifier) Classify(context.Context, image.Image) (*entity.Map, error) {
	return entity.NewMap(), nil
}
