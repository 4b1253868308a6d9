//go:build gocv

package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"automoth/pkg/logx"
)

// GoCV grabs frames from a V4L2/UVC device through OpenCV. The device is
// opened lazily and reopened after a failed read.
type GoCV struct {
	cfg Config
	log logx.Logger

	mu sync.Mutex
	vc *gocv.VideoCapture
}

func openGoCV(cfg Config, log logx.Logger) (Camera, error) {
	return &GoCV{cfg: cfg, log: log}, nil
}

func (g *GoCV) openLocked() error {
	if g.vc != nil {
		return nil
	}
	vc, err := gocv.OpenVideoCapture(g.cfg.Device)
	if err != nil {
		return fmt.Errorf("open video device %d: %w", g.cfg.Device, err)
	}
	vc.Set(gocv.VideoCaptureFrameWidth, float64(g.cfg.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(g.cfg.Height))
	g.vc = vc
	g.log.Info("video device opened", logx.Int("device", g.cfg.Device))
	return nil
}

func (g *GoCV) closeLocked() {
	if g.vc != nil {
		_ = g.vc.Close()
		g.vc = nil
	}
}

func (g *GoCV) Capture(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.openLocked(); err != nil {
		return err
	}

	mat := gocv.NewMat()
	defer mat.Close()
	if ok := g.vc.Read(&mat); !ok || mat.Empty() {
		g.closeLocked()
		return ErrEmptyImage
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, g.cfg.Quality})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()
	data := buf.GetBytes()
	if len(data) == 0 {
		return errors.New("encoded frame is empty")
	}
	return writeAtomic(path, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	})
}

func (g *GoCV) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeLocked()
	return nil
}
