package tasks

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/taskpoll/internal/domain"
)

// intParam reads an optional integer bounded to [lo, hi].
func intParam(form url.Values, name string, def, lo, hi int, errs domain.FieldErrors) int {
	raw := strings.TrimSpace(form.Get(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		errs.Add(name, "Enter a whole number.")
		return def
	}
	if n < lo || n > hi {
		errs.Add(name, fmt.Sprintf("Ensure this value is between %d and %d.", lo, hi))
		return def
	}
	return n
}

// stringParam reads a string of at most maxLen characters.
func stringParam(form url.Values, name string, required bool, maxLen int, errs domain.FieldErrors) string {
	s := strings.TrimSpace(form.Get(name))
	if s == "" {
		if required {
			errs.Add(name, "This field is required.")
		}
		return ""
	}
	if len([]rune(s)) > maxLen {
		errs.Add(name, fmt.Sprintf("Ensure this value has at most %d characters.", maxLen))
	}
	return s
}

func paramError(errs domain.FieldErrors) error {
	if len(errs) == 0 {
		return nil
	}
	return &domain.ParamError{Fields: errs}
}

// pause waits d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
