package capture

import (
	"context"
	"errors"
	"image/jpeg"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"automoth/pkg/logx"
)

func TestTestPatternWritesJPEG(t *testing.T) {
	t.Parallel()
	cam, err := Open(Config{Driver: "test", Width: 64, Height: 48}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer cam.Close()

	path := filepath.Join(t.TempDir(), "000000.jpg")
	if err := cam.Capture(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := jpeg.Decode(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Fatalf("bounds = %v", b)
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".capture-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left: %v", leftovers)
	}
}

func TestTestPatternHonoursCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := filepath.Join(t.TempDir(), "x.jpg")
	if err := NewTestPattern(Config{}).Capture(ctx, path); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file written after cancel")
	}
}

func TestCommandValidation(t *testing.T) {
	t.Parallel()
	if _, err := NewCommand(Config{}, logx.Nop()); err == nil {
		t.Fatal("empty command accepted")
	}
	if _, err := NewCommand(Config{Command: []string{"true"}}, logx.Nop()); err == nil {
		t.Fatal("command without {path} accepted")
	}
}

func TestCommandArgsSubstitution(t *testing.T) {
	t.Parallel()
	c, err := NewCommand(Config{
		Command: []string{"libcamera-still", "-o", "{path}", "--width", "{width}", "-q", "{quality}"},
		Width:   4056,
		Quality: 85,
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	got := c.args("/data/1.jpg")
	want := []string{"libcamera-still", "-o", "/data/1.jpg", "--width", "4056", "-q", "85"}
	if len(got) != len(want) {
		t.Fatalf("args = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("args = %v", got)
		}
	}
}

func TestCommandCapture(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	t.Parallel()
	dir := t.TempDir()

	ok, _ := NewCommand(Config{Command: []string{"sh", "-c", "printf jpeg > \"$0\"", "{path}"}}, logx.Nop())
	if err := ok.Capture(context.Background(), filepath.Join(dir, "a.jpg")); err != nil {
		t.Fatalf("capture: %v", err)
	}

	empty, _ := NewCommand(Config{Command: []string{"sh", "-c", ": > \"$0\"", "{path}"}}, logx.Nop())
	if err := empty.Capture(context.Background(), filepath.Join(dir, "b.jpg")); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("empty output err = %v", err)
	}

	fails, _ := NewCommand(Config{Command: []string{"sh", "-c", "echo no camera >&2; exit 3", "{path}"}}, logx.Nop())
	if err := fails.Capture(context.Background(), filepath.Join(dir, "c.jpg")); err == nil {
		t.Fatal("failing command succeeded")
	}

	slow, _ := NewCommand(Config{Command: []string{"sh", "-c", "exec sleep 5", "{path}"}, Timeout: 50 * time.Millisecond}, logx.Nop())
	start := time.Now()
	if err := slow.Capture(context.Background(), filepath.Join(dir, "d.jpg")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("timeout err = %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("timeout not enforced")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "polaroid"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}
