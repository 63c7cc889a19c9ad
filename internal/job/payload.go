package job

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"image-worker/internal/entity"
	"image-worker/internal/imaging"
)

const DefaultImageFetchTimeout = 60 * time.Second

var fetchHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/116.0.0.0 Safari/537.36 Edg/116.0.1938.69",
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.8",
	"Cache-Control":   "max-age=0",
}

// normalizePayload resolves every image reference in the payload into an
// inline PNG and applies AnimateDiff defaults. It runs once per job.
func (j *Job) normalizePayload(ctx context.Context) error {
	if j.normalized {
		return nil
	}
	j.normalized = true

	for _, key := range []string{"image", "mask_image"} {
		if err := j.normalizeField(ctx, j.Payload, key, imaging.DataURI); err != nil {
			return err
		}
	}

	if list, ok := j.Payload.List("images"); ok {
		out := make(entity.List, len(list))
		for i, v := range list {
			ref, ok := v.(entity.String)
			if !ok {
				return fmt.Errorf("images[%d]: expected a string", i)
			}
			s, err := j.normalizeRef(ctx, string(ref), imaging.DataURI)
			if err != nil {
				return fmt.Errorf("images[%d]: %w", i, err)
			}
			out[i] = entity.String(s)
		}
		j.Payload.Set("images", out)
	}

	if units, ok := j.Payload.List("controlnet_units"); ok {
		for i, v := range units {
			unit, ok := v.(*entity.Map)
			if !ok {
				continue
			}
			for _, key := range []string{"input_image", "mask"} {
				if err := j.normalizeField(ctx, unit, key, imaging.RawBase64); err != nil {
					return fmt.Errorf("controlnet_units[%d]: %w", i, err)
				}
			}
		}
	}

	applyAnimateDiff(j.Payload)
	return nil
}

func (j *Job) normalizeField(ctx context.Context, m *entity.Map, key string, encode func(image.Image) (string, error)) error {
	ref, ok := m.String(key)
	if !ok {
		return nil
	}
	s, err := j.normalizeRef(ctx, ref, encode)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	m.Set(key, entity.String(s))
	return nil
}

func (j *Job) normalizeRef(ctx context.Context, ref string, encode func(image.Image) (string, error)) (string, error) {
	img, err := j.resolveImage(ctx, ref)
	if err != nil {
		return "", err
	}
	return encode(imaging.ToRGB(img))
}

func (j *Job) resolveImage(ctx context.Context, ref string) (image.Image, error) {
	switch {
	case imaging.IsDataURI(ref):
		return imaging.DecodeBase64(ref)
	case strings.HasPrefix(ref, "https://"), strings.HasPrefix(ref, "http://"):
		return j.fetchImage(ctx, ref)
	}
	return nil, fmt.Errorf("invalid image: %s", truncate(ref, 100))
}

func (j *Job) fetchImage(ctx context.Context, url string) (image.Image, error) {
	timeout := j.deps.ImageFetchTimeout
	if timeout <= 0 {
		timeout = DefaultImageFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	j.logger.Debug("downloading image", slog.String("url", truncate(url, 100)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid image requested: %w", err)
	}
	for k, v := range fetchHeaders {
		req.Header.Set(k, v)
	}

	resp, err := j.deps.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("invalid image requested: %s: status %d", truncate(url, 100), resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	return imaging.Decode(data)
}

// animateDiffArgs returns alwayson_scripts.AnimateDiff.args[0] when it is
// enabled.
func animateDiffArgs(payload *entity.Map) (*entity.Map, bool) {
	scripts, ok := payload.Map("alwayson_scripts")
	if !ok {
		return nil, false
	}
	ad, ok := scripts.Map("AnimateDiff")
	if !ok {
		return nil, false
	}
	list, ok := ad.List("args")
	if !ok || len(list) == 0 {
		return nil, false
	}
	args, ok := list[0].(*entity.Map)
	if !ok || !args.BoolOr("enable", false) {
		return nil, false
	}
	return args, true
}

// applyAnimateDiff forces frame output and fills override_settings without
// touching values the caller set.
func applyAnimateDiff(payload *entity.Map) {
	args, ok := animateDiffArgs(payload)
	if !ok {
		return
	}
	args.Set("format", entity.List{entity.String("Frame"), entity.String("PNG")})

	overrides, ok := payload.Map("override_settings")
	if !ok {
		overrides = entity.NewMap()
		payload.Set("override_settings", overrides)
	}
	defaults := []struct {
		key string
		val bool
	}{
		{"pad_cond_uncond", true},
		{"batch_cond_uncond", true},
		{"always_discard_next_to_last_sigma", false},
	}
	for _, d := range defaults {
		if !overrides.Has(d.key) {
			overrides.Set(d.key, entity.Bool(d.val))
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
