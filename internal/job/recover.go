package job

import (
	"errors"
	"fmt"
	"image"
	"os"

	"image-worker/internal/engine"
	"image-worker/internal/entity"
)

// recoverOutput loads artifacts the engine left on disk. The files stay open
// until the job closes.
func (j *Job) recoverOutput(paths []string) (*engine.Result, error) {
	res := &engine.Result{Info: entity.NewMap()}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("recover output: %w", err)
		}
		j.resources = append(j.resources, f)

		img, _, err := image.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("recover output %s: %w", p, err)
		}
		res.Images = append(res.Images, img)
	}
	if len(res.Images) == 0 {
		return nil, errors.New("recover output: no files")
	}
	return res, nil
}
