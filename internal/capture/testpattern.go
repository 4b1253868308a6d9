package capture

import (
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"sync/atomic"
)

// TestPattern renders a synthetic frame. It needs no hardware and is the
// default driver.
type TestPattern struct {
	cfg   Config
	frame atomic.Uint64
}

func NewTestPattern(cfg Config) *TestPattern {
	cfg = cfg.withDefaults()
	// Full-size frames are slow to encode and pointless here.
	cfg.Width, cfg.Height = min(cfg.Width, 640), min(cfg.Height, 480)
	return &TestPattern{cfg: cfg}
}

func (t *TestPattern) Capture(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := t.frame.Add(1)
	img := image.NewRGBA(image.Rect(0, 0, t.cfg.Width, t.cfg.Height))
	shift := int(n * 7)
	for y := 0; y < t.cfg.Height; y++ {
		for x := 0; x < t.cfg.Width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x + shift) * 255 / t.cfg.Width),
				G: uint8(y * 255 / t.cfg.Height),
				B: uint8(n * 31),
				A: 255,
			})
		}
	}
	return writeAtomic(path, func(f *os.File) error {
		return jpeg.Encode(f, img, &jpeg.Options{Quality: t.cfg.Quality})
	})
}

func (t *TestPattern) Close() error { return nil }
