package generate

import (
	"context"
	"errors"
	"fmt"
)

// Generator is the boundary to the remote generation API: one model,
// one prompt, ordered reference images, exactly one image back.
type Generator interface {
	Generate(ctx context.Context, modelID, prompt string, imagePaths []string) ([]byte, error)
}

// Failure is the typed error surfaced for any failed generation:
// transport errors, timeouts, API rejections, or a response that
// carried no image.
type Failure struct {
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Reason, f.Err)
	}

	return f.Reason
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// IsFailure reports whether err is a generation Failure.
func IsFailure(err error) bool {
	var failure *Failure
	return errors.As(err, &failure)
}
