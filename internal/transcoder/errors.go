package transcoder

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat marks an input container or codec outside the
	// allow-list. Permanent.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrCorruptMedia marks an input that could not be probed or has no
	// usable duration. Permanent.
	ErrCorruptMedia = errors.New("corrupt media")
	// ErrTranscode marks a failed or timed out encode. Retried once.
	ErrTranscode = errors.New("transcode failed")
	// ErrPackaging marks a rendition that could not be segmented.
	ErrPackaging = errors.New("packaging failed")
)

// TranscodeError is an encode failure scoped to a tier, or to the
// normalization step when Tier is empty.
type TranscodeError struct {
	Tier       string
	Diagnostic string
	Err        error
}

func (e *TranscodeError) Error() string {
	if e.Tier != "" {
		return fmt.Sprintf("transcode %s: %s", e.Tier, e.Diagnostic)
	}
	return fmt.Sprintf("transcode: %s", e.Diagnostic)
}

func (e *TranscodeError) Is(target error) bool {
	return target == ErrTranscode
}

func (e *TranscodeError) Unwrap() error {
	return e.Err
}

// PackagingError is a segmenting failure scoped to one rendition.
type PackagingError struct {
	Tier       string
	Diagnostic string
	Err        error
}

func (e *PackagingError) Error() string {
	return fmt.Sprintf("package %s: %s", e.Tier, e.Diagnostic)
}

func (e *PackagingError) Is(target error) bool {
	return target == ErrPackaging
}

func (e *PackagingError) Unwrap() error {
	return e.Err
}

// ErrorKind names the taxonomy bucket of err for persistence and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, ErrCorruptMedia):
		return "corrupt_media"
	case errors.Is(err, ErrPackaging):
		return "packaging"
	case errors.Is(err, ErrTranscode):
		return "transcode"
	default:
		return "internal"
	}
}
