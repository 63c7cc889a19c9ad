// Package pipeline runs the postprocess steps of a job over its working set
// of frames.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"image-worker/internal/entity"
	"image-worker/internal/imaging"
)

const (
	KeyImages      = "images"
	KeyStatics     = "statics"
	KeyVideos      = "videos"
	KeyLetterboxes = "letterboxes"
	KeyNSFW        = "nsfw"
	KeyBlurhashes  = "blurhashes"

	sizesSuffix = "_sizes"
)

// Sink receives step output. appendMode pushes onto a list under key;
// insideInfo targets the nested info map.
type Sink interface {
	DumpResult(key string, v entity.Value, appendMode, insideInfo bool)
}

type Pipeline struct {
	uploader   Uploader
	classifier Classifier
	fonts      *imaging.FontSource
	trackSizes bool
	logger     *slog.Logger
}

type Option func(*Pipeline)

// WithSizes records the byte size of every artifact next to its URL.
func WithSizes(enabled bool) Option {
	return func(p *Pipeline) { p.trackSizes = enabled }
}

func WithFonts(fonts *imaging.FontSource) Option {
	return func(p *Pipeline) { p.fonts = fonts }
}

func New(uploader Uploader, classifier Classifier, logger *slog.Logger, opts ...Option) *Pipeline {
	if classifier == nil {
		classifier = NoopClassifier{}
	}
	p := &Pipeline{uploader: uploader, classifier: classifier, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run applies steps in order to one group of frames. name is the base
// artifact name, format the requested output format.
func (p *Pipeline) Run(ctx context.Context, frames []image.Image, name string, format entity.ImageFormat, steps []Step, sink Sink) error {
	if len(frames) == 0 {
		return errors.New("pipeline: no frames")
	}
	working := frames

	for _, step := range steps {
		var err error
		switch s := step.(type) {
		case AddText:
			working, err = p.addText(ctx, working, s)
		case Watermark:
			working, err = eachFrame(ctx, working, imaging.Watermark)
		case Letterbox:
			err = p.letterbox(ctx, working[0], name, format, sink)
		case Upload:
			err = p.upload(ctx, working, name, format, s, sink)
		case NSFWDetection:
			err = p.nsfw(ctx, working[0], sink)
		case Blurhash:
			err = p.blurhash(working[0], sink)
		default:
			err = fmt.Errorf("%w: %T", ErrUnknownStep, step)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", step.Kind(), err)
		}
	}
	return nil
}

func eachFrame(ctx context.Context, frames []image.Image, fn func(image.Image) image.Image) ([]image.Image, error) {
	out := make([]image.Image, len(frames))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range frames {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = fn(f)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) addText(ctx context.Context, frames []image.Image, s AddText) ([]image.Image, error) {
	out := make([]image.Image, len(frames))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range frames {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			face, err := p.fonts.Face(s.Options.FontSize)
			if err != nil {
				return err
			}
			out[i] = imaging.AddText(f, s.Options, face)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) letterbox(ctx context.Context, first image.Image, name string, format entity.ImageFormat, sink Sink) error {
	art, err := p.uploader.Upload(ctx, []image.Image{imaging.Letterbox(first)}, name+"_letterbox", UploadOptions{
		Format: stillFormat(format),
	})
	if err != nil {
		return err
	}
	p.record(sink, KeyLetterboxes, art, true)
	return nil
}

func (p *Pipeline) upload(ctx context.Context, frames []image.Image, name string, format entity.ImageFormat, s Upload, sink Sink) error {
	opts := UploadOptions{Format: format, FrameDuration: s.FrameDuration(), Resize: s.Resize}

	art, err := p.uploader.Upload(ctx, frames, name, opts)
	if err != nil {
		return err
	}
	p.record(sink, KeyImages, art, false)

	if len(frames) < 2 {
		return nil
	}

	still := opts
	still.Format = stillFormat(format)
	art, err = p.uploader.Upload(ctx, frames[:1], name+"_s", still)
	if err != nil {
		return fmt.Errorf("static preview: %w", err)
	}
	p.record(sink, KeyStatics, art, false)

	if format.IsWEBP() {
		video := opts
		video.Format = entity.FormatMP4
		art, err = p.uploader.Upload(ctx, frames, name, video)
		if err != nil {
			return fmt.Errorf("video variant: %w", err)
		}
		p.record(sink, KeyVideos, art, false)
	}
	return nil
}

func (p *Pipeline) nsfw(ctx context.Context, first image.Image, sink Sink) error {
	scores, err := p.classifier.Classify(ctx, first)
	if err != nil {
		return err
	}
	sink.DumpResult(KeyNSFW, scores, true, false)
	return nil
}

func (p *Pipeline) blurhash(first image.Image, sink Sink) error {
	res, err := imaging.Blurhash(first)
	if err != nil {
		return err
	}
	m := entity.NewMap()
	m.Set("hash", entity.String(res.Hash))
	m.Set("width", entity.Number(res.Width))
	m.Set("height", entity.Number(res.Height))
	sink.DumpResult(KeyBlurhashes, m, true, false)
	return nil
}

func (p *Pipeline) record(sink Sink, key string, art Artifact, insideInfo bool) {
	sink.DumpResult(key, entity.String(art.URL), true, insideInfo)
	if p.trackSizes {
		sink.DumpResult(key+sizesSuffix, entity.Number(art.Size), true, insideInfo)
	}
}

// stillFormat is the format used for single-frame derivatives.
func stillFormat(format entity.ImageFormat) entity.ImageFormat {
	if format == entity.FormatMP4 {
		return entity.FormatWEBP
	}
	return format
}
