//go:build !linux

package tap

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
)

func Open(_ *logrus.Logger, _ Config) (Device, error) {
	return nil, fmt.Errorf("tap devices are not supported on %s", runtime.GOOS)
}
