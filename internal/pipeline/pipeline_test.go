package pipeline

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-worker/internal/entity"
	"image-worker/internal/imaging"
)

type uploadCall struct {
	name   string
	frames int
	opts   UploadOptions
}

type fakeUploader struct {
	calls []uploadCall
	err   error
}

func (f *fakeUploader) Upload(_ context.Context, frames []image.Image, name string, opts UploadOptions) (Artifact, error) {
	if f.err != nil {
		return Artifact{}, f.err
	}
	f.calls = append(f.calls, uploadCall{name: name, frames: len(frames), opts: opts})
	return Artifact{URL: "https://cdn.test/" + name + "/" + string(opts.Format), Size: 100}, nil
}

type fakeClassifier struct{}

func (fakeClassifier) Classify(context.Context, image.Image) (*entity.Map, error) {
	m := entity.NewMap()
	m.Set("porn", entity.Number(0.01))
	return m, nil
}

type dump struct {
	key        string
	value      entity.Value
	appendMode bool
	insideInfo bool
}

type recordingSink struct {
	dumps []dump
}

func (s *recordingSink) DumpResult(key string, v entity.Value, appendMode, insideInfo bool) {
	s.dumps = append(s.dumps, dump{key, v, appendMode, insideInfo})
}

func (s *recordingSink) keys() []string {
	var out []string
	for _, d := range s.dumps {
		out = append(out, d.key)
	}
	return out
}

func frames(n int) []image.Image {
	out := make([]image.Image, n)
	for i := range out {
		img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
		for p := 0; p < len(img.Pix); p += 4 {
			img.Pix[p] = uint8(i * 40)
			img.Pix[p+3] = 255
		}
		out[i] = img
	}
	return out
}

func newTestPipeline(up Uploader, opts ...Option) *Pipeline {
	return New(up, fakeClassifier{}, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func TestRunSingleFrameUploadsOnce(t *testing.T) {
	up := &fakeUploader{}
	sink := &recordingSink{}

	err := newTestPipeline(up).Run(context.Background(), frames(1), "job1", entity.FormatWEBP, []Step{Upload{}}, sink)
	require.NoError(t, err)

	require.Len(t, up.calls, 1)
	assert.Equal(t, "job1", up.calls[0].name)
	assert.Equal(t, []string{KeyImages}, sink.keys())
}

func TestRunSequenceWEBPProducesThreeArtifacts(t *testing.T) {
	up := &fakeUploader{}
	sink := &recordingSink{}

	err := newTestPipeline(up, WithSizes(true)).Run(context.Background(), frames(4), "job1", entity.FormatWEBP, []Step{Upload{FPS: 8}}, sink)
	require.NoError(t, err)

	require.Len(t, up.calls, 3)
	assert.Equal(t, uploadCall{name: "job1", frames: 4, opts: UploadOptions{Format: entity.FormatWEBP, FrameDuration: 125 * time.Millisecond}}, up.calls[0])
	assert.Equal(t, "job1_s", up.calls[1].name)
	assert.Equal(t, 1, up.calls[1].frames)
	assert.Equal(t, entity.FormatMP4, up.calls[2].opts.Format)
	assert.Equal(t, 4, up.calls[2].frames)

	assert.Equal(t, []string{
		KeyImages, KeyImages + "_sizes",
		KeyStatics, KeyStatics + "_sizes",
		KeyVideos, KeyVideos + "_sizes",
	}, sink.keys())
}

func TestRunSequencePNGHasNoVideo(t *testing.T) {
	up := &fakeUploader{}
	sink := &recordingSink{}

	err := newTestPipeline(up).Run(context.Background(), frames(3), "job1", entity.FormatPNG, []Step{Upload{}}, sink)
	require.NoError(t, err)

	require.Len(t, up.calls, 2)
	assert.Equal(t, []string{KeyImages, KeyStatics}, sink.keys())
}

func TestRunOneWayStepsRecordResults(t *testing.T) {
	up := &fakeUploader{}
	sink := &recordingSink{}
	steps := []Step{Letterbox{}, NSFWDetection{}, Blurhash{}, Upload{}}

	err := newTestPipeline(up).Run(context.Background(), frames(1), "job1", entity.FormatMP4, steps, sink)
	require.NoError(t, err)

	assert.Equal(t, []string{KeyLetterboxes, KeyNSFW, KeyBlurhashes, KeyImages}, sink.keys())
	assert.True(t, sink.dumps[0].insideInfo)
	assert.Equal(t, "job1_letterbox", up.calls[0].name)
	assert.Equal(t, entity.FormatWEBP, up.calls[0].opts.Format)

	bh, ok := sink.dumps[2].value.(*entity.Map)
	require.True(t, ok)
	assert.Equal(t, 16.0, bh.NumberOr("width", 0))
	for _, d := range sink.dumps {
		assert.True(t, d.appendMode)
	}
}

func TestRunLoopBackStepsKeepFrameCount(t *testing.T) {
	up := &fakeUploader{}
	sink := &recordingSink{}
	steps := []Step{Watermark{}, AddText{Options: mustTextOptions(t)}, Upload{}}

	err := newTestPipeline(up).Run(context.Background(), frames(3), "job1", entity.FormatGIF, steps, sink)
	require.NoError(t, err)
	assert.Equal(t, 3, up.calls[0].frames)
}

func TestRunUploadErrorIsWrapped(t *testing.T) {
	up := &fakeUploader{err: errors.New("bucket down")}
	err := newTestPipeline(up).Run(context.Background(), frames(1), "job1", entity.FormatPNG, []Step{Upload{}}, &recordingSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UPLOAD")
	assert.Contains(t, err.Error(), "bucket down")
}

func TestRunRejectsEmptyWorkingSet(t *testing.T) {
	err := newTestPipeline(&fakeUploader{}).Run(context.Background(), nil, "job1", entity.FormatPNG, []Step{Upload{}}, &recordingSink{})
	assert.Error(t, err)
}

func mustTextOptions(t *testing.T) imaging.TextOptions {
	t.Helper()
	steps, err := ParseSteps([]byte(`[{"type":"ADD_TEXT","args":{"text":"hello"}}]`))
	require.NoError(t, err)
	return steps[0].(AddText).Options
}
