//go:build !gocv

package capture

import (
	"errors"

	"automoth/pkg/logx"
)

func openGoCV(Config, logx.Logger) (Camera, error) {
	return nil, errors.New("camera driver gocv requires a build with -tags gocv")
}
