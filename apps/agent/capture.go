package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-proctor/core/evidence"
)

// fileCapturer re-reads a file on every capture, e.g. a webcam snapshot kept fresh by
// another process.
type fileCapturer struct {
	path string
}

func (c fileCapturer) Capture(context.Context) ([]byte, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, errors.Wrap(err, "capturing frame")
	}
	return data, nil
}

// syntheticCapturer produces small placeholder frames.
func syntheticCapturer(now func() time.Time) evidence.Capturer {
	var n int
	return evidence.CaptureFunc(func(context.Context) ([]byte, error) {
		n++
		return []byte(fmt.Sprintf("synthetic frame %d at %s", n, now().UTC().Format(time.RFC3339Nano))), nil
	})
}
