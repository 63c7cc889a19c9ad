package imaging

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

func (e *Encoder) encodeFFmpeg(ctx context.Context, frames []image.Image, enc Encoding, frameDuration time.Duration) ([]byte, error) {
	dir, err := os.MkdirTemp(e.TempDir, "frames-*")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg workdir: %w", err)
	}
	defer os.RemoveAll(dir)

	for i, f := range frames {
		data, err := EncodePNG(f)
		if err != nil {
			return nil, err
		}
		name := filepath.Join(dir, fmt.Sprintf("frame_%05d.png", i))
		if err := os.WriteFile(name, data, 0o600); err != nil {
			return nil, fmt.Errorf("ffmpeg frame: %w", err)
		}
	}

	fps := strconv.FormatFloat(float64(time.Second)/float64(frameDuration), 'f', 3, 64)
	out := filepath.Join(dir, "out."+enc.Ext())
	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-framerate", fps,
		"-i", filepath.Join(dir, "frame_%05d.png"),
	}
	switch enc.Container {
	case ContainerMP4:
		args = append(args,
			"-c:v", "libx264",
			"-pix_fmt", "yuv420p",
			"-movflags", "+faststart",
			"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		)
	case ContainerWEBP:
		args = append(args,
			"-c:v", "libwebp_anim",
			"-loop", "0",
			"-quality", strconv.Itoa(DefaultQuality),
		)
		if enc.Lossless {
			args = append(args, "-lossless", "1")
		}
	default:
		return nil, fmt.Errorf("ffmpeg: unsupported container %q", enc.Container)
	}
	args = append(args, out)

	cmd := exec.CommandContext(ctx, e.FFmpeg, args...) //nolint:gosec
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg encode %s: %w: %s", enc.Ext(), err, strings.TrimSpace(string(output)))
	}
	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg output: %w", err)
	}
	return data, nil
}
