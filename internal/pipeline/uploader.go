package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"image-worker/internal/entity"
	"image-worker/internal/imaging"
	"image-worker/internal/storage"
)

type Artifact struct {
	URL  string
	Size int64
}

type UploadOptions struct {
	Format        entity.ImageFormat
	FrameDuration time.Duration
	Resize        int
}

// Uploader negotiates the output container, encodes frames and stores them
// under name.
type Uploader interface {
	Upload(ctx context.Context, frames []image.Image, name string, opts UploadOptions) (Artifact, error)
}

// StoreUploader encodes with an imaging.Encoder and writes to a storage.Store.
type StoreUploader struct {
	store     storage.Store
	encoder   *imaging.Encoder
	publicURL string
	prefix    string
	logger    *slog.Logger
}

// NewStoreUploader builds an uploader whose URLs are publicURL/<prefix><name>.<ext>.
func NewStoreUploader(store storage.Store, encoder *imaging.Encoder, publicURL, prefix string, logger *slog.Logger) *StoreUploader {
	return &StoreUploader{
		store:     store,
		encoder:   encoder,
		publicURL: strings.TrimRight(publicURL, "/"),
		prefix:    prefix,
		logger:    logger,
	}
}

func (u *StoreUploader) Upload(ctx context.Context, frames []image.Image, name string, opts UploadOptions) (Artifact, error) {
	if len(frames) == 0 {
		return Artifact{}, fmt.Errorf("upload %s: no frames", name)
	}
	if opts.Resize > 0 {
		resized := make([]image.Image, len(frames))
		for i, f := range frames {
			resized[i] = imaging.Fit(f, opts.Resize)
		}
		frames = resized
	}

	enc := imaging.Negotiate(opts.Format, len(frames))
	start := time.Now()
	data, err := u.encoder.Encode(ctx, frames, enc, opts.FrameDuration)
	if err != nil {
		return Artifact{}, fmt.Errorf("upload %s: %w", name, err)
	}

	filename := u.prefix + name + "." + enc.Ext()
	if err := u.store.Put(ctx, filename, data, enc.ContentType()); err != nil {
		return Artifact{}, fmt.Errorf("upload %s: %w", name, err)
	}

	u.logger.Debug("artifact uploaded",
		slog.String("file", filename),
		slog.Int("frames", len(frames)),
		slog.String("size", humanize.Bytes(uint64(len(data)))),
		slog.Duration("took", time.Since(start)),
	)
	return Artifact{URL: u.publicURL + "/" + filename, Size: int64(len(data))}, nil
}
