package harvest

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/john/chatnexus/internal/telemetry"
)

// Guard runs one parse step. A panic or a returned error is logged and
// counted; either way the caller carries on with the next event.
func Guard(logger *slog.Logger, platform string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrMalformed, r)
		}
		if err == nil {
			return
		}
		telemetry.EventsMalformed.WithLabelValues(platform).Inc()
		if errors.Is(err, ErrMalformed) {
			logger.Warn("skipping malformed payload", slog.Any("err", err))
		} else {
			logger.Error("handle event", slog.Any("err", err))
		}
	}()
	return fn()
}

// Malformed wraps a parse failure in ErrMalformed.
func Malformed(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrMalformed, what)
	}
	return fmt.Errorf("%w: %s: %v", ErrMalformed, what, err)
}
