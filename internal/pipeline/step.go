package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"strconv"
	"strings"
	"time"

	"image-worker/internal/entity"
	"image-worker/internal/imaging"
)

type StepKind string

const (
	KindAddText       StepKind = "ADD_TEXT"
	KindWatermark     StepKind = "WATERMARK"
	KindLetterbox     StepKind = "LETTERBOX"
	KindUpload        StepKind = "UPLOAD"
	KindNSFWDetection StepKind = "NSFW_DETECTION"
	KindBlurhash      StepKind = "BLURHASH"
)

var ErrUnknownStep = errors.New("unknown postprocess step")

// Step is one postprocess operation. The set of implementations is closed.
type Step interface {
	Kind() StepKind
}

type AddText struct {
	Options imaging.TextOptions
}

type Watermark struct{}

type Letterbox struct{}

// Upload stores the working set. FPS wins over Duration when both are set.
type Upload struct {
	Duration time.Duration
	FPS      float64
	Resize   int
}

type NSFWDetection struct{}

type Blurhash struct{}

func (AddText) Kind() StepKind       { return KindAddText }
func (Watermark) Kind() StepKind     { return KindWatermark }
func (Letterbox) Kind() StepKind     { return KindLetterbox }
func (Upload) Kind() StepKind        { return KindUpload }
func (NSFWDetection) Kind() StepKind { return KindNSFWDetection }
func (Blurhash) Kind() StepKind      { return KindBlurhash }

// FrameDuration is the per-frame display time for multi-frame output.
func (u Upload) FrameDuration() time.Duration {
	if u.FPS > 0 {
		return time.Duration(float64(time.Second) / u.FPS)
	}
	if u.Duration > 0 {
		return u.Duration
	}
	return imaging.DefaultFrameDuration
}

type rawStep struct {
	Type string          `json:"type"`
	Args json.RawMessage `json:"args"`
}

// ParseSteps decodes a JSON list of {"type", "args"} objects. Empty input
// yields no steps.
func ParseSteps(raw []byte) ([]Step, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var items []rawStep
	if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
		return nil, fmt.Errorf("parse postprocess: %w", err)
	}

	steps := make([]Step, 0, len(items))
	for i, item := range items {
		args, err := parseArgs(item.Args)
		if err != nil {
			return nil, fmt.Errorf("parse postprocess[%d]: %w", i, err)
		}
		step, err := newStep(StepKind(strings.ToUpper(item.Type)), args)
		if err != nil {
			return nil, fmt.Errorf("parse postprocess[%d]: %w", i, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func parseArgs(raw json.RawMessage) (*entity.Map, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return entity.NewMap(), nil
	}
	return entity.ParseMap(raw)
}

func newStep(kind StepKind, args *entity.Map) (Step, error) {
	switch kind {
	case KindAddText:
		opts, err := textOptions(args)
		if err != nil {
			return nil, err
		}
		return AddText{Options: opts}, nil
	case KindWatermark:
		return Watermark{}, nil
	case KindLetterbox:
		return Letterbox{}, nil
	case KindUpload:
		return UploadFromArgs(args), nil
	case KindNSFWDetection:
		return NSFWDetection{}, nil
	case KindBlurhash:
		return Blurhash{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStep, kind)
}

// UploadFromArgs reads duration (milliseconds), fps and resize.
func UploadFromArgs(args *entity.Map) Upload {
	return Upload{
		Duration: time.Duration(args.NumberOr("duration", 0)) * time.Millisecond,
		FPS:      args.NumberOr("fps", 0),
		Resize:   int(args.NumberOr("resize", 0)),
	}
}

func textOptions(args *entity.Map) (imaging.TextOptions, error) {
	opts := imaging.DefaultTextOptions()
	opts.Text = args.StringOr("text", opts.Text)
	opts.FontSize = args.NumberOr("font_size", opts.FontSize)
	opts.StrokeWidth = int(args.NumberOr("stroke_width", float64(opts.StrokeWidth)))
	opts.XRatio = args.NumberOr("x_ratio", opts.XRatio)
	opts.YRatio = args.NumberOr("y_ratio", opts.YRatio)
	opts.LineWidth = int(args.NumberOr("line_width", float64(opts.LineWidth)))
	opts.LetterSpacing = args.NumberOr("letter_spacing", opts.LetterSpacing)
	opts.LineSpacing = args.NumberOr("line_spacing", opts.LineSpacing)

	switch a := imaging.Align(strings.ToLower(args.StringOr("text_align", string(opts.Align)))); a {
	case imaging.AlignLeft, imaging.AlignRight, imaging.AlignCenter:
		opts.Align = a
	default:
		return opts, fmt.Errorf("add_text: unknown text_align %q", a)
	}

	var err error
	if v, ok := args.Get("text_color"); ok {
		if opts.TextColor, err = parseColor(v); err != nil {
			return opts, fmt.Errorf("add_text: text_color: %w", err)
		}
	}
	if v, ok := args.Get("outline_color"); ok {
		if opts.OutlineColor, err = parseColor(v); err != nil {
			return opts, fmt.Errorf("add_text: outline_color: %w", err)
		}
	}
	if opts.FontSize <= 0 {
		return opts, errors.New("add_text: font_size must be positive")
	}
	return opts, nil
}

// parseColor accepts [r, g, b], [r, g, b, a], "#rrggbb" or "#rrggbbaa".
func parseColor(v entity.Value) (color.RGBA, error) {
	switch t := v.(type) {
	case entity.List:
		if len(t) != 3 && len(t) != 4 {
			return color.RGBA{}, fmt.Errorf("expected 3 or 4 components, got %d", len(t))
		}
		c := [4]uint8{0, 0, 0, 255}
		for i, e := range t {
			n, ok := e.(entity.Number)
			if !ok || n < 0 || n > 255 {
				return color.RGBA{}, fmt.Errorf("component %d out of range", i)
			}
			c[i] = uint8(n)
		}
		return color.RGBA{R: c[0], G: c[1], B: c[2], A: c[3]}, nil
	case entity.String:
		s := strings.TrimPrefix(string(t), "#")
		if len(s) == 6 {
			s += "ff"
		}
		if len(s) != 8 {
			return color.RGBA{}, fmt.Errorf("bad hex colour %q", string(t))
		}
		n, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return color.RGBA{}, fmt.Errorf("bad hex colour %q", string(t))
		}
		return color.RGBA{R: uint8(n >> 24), G: uint8(n >> 16), B: uint8(n >> 8), A: uint8(n)}, nil
	}
	return color.RGBA{}, fmt.Errorf("unsupported colour value %T", v)
}

// MergeUpload returns the last Upload in steps, with fields the caller left
// unset taken from fallback. Timing is taken as a unit: a caller duration or
// fps keeps the fallback's out.
func MergeUpload(steps []Step, fallback Upload) Upload {
	var upload Upload
	for _, s := range steps {
		if u, ok := s.(Upload); ok {
			upload = u
		}
	}
	if upload.Duration == 0 && upload.FPS == 0 {
		upload.Duration = fallback.Duration
		upload.FPS = fallback.FPS
	}
	if upload.Resize == 0 {
		upload.Resize = fallback.Resize
	}
	return upload
}

// EnsureUpload strips any Upload steps from steps and appends upload as the
// final step. It returns the number of steps dropped.
func EnsureUpload(steps []Step, upload Upload) ([]Step, int) {
	out := make([]Step, 0, len(steps)+1)
	dropped := 0
	for _, s := range steps {
		if s.Kind() == KindUpload {
			dropped++
			continue
		}
		out = append(out, s)
	}
	return append(out, upload), dropped
}
