package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ohler55/ojg/oj"

	"github.com/mpapenbr/livetiming-go/log"
)

var ErrInvalidDelay = errors.New("invalid delay")

const (
	// maximum accepted request body
	maxBody = 64 * 1024
	// largest delay representable as time.Duration
	maxDelayMs = math.MaxInt64 / int64(time.Millisecond)
)

type ErrorResponse struct {
	Error string `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("could not write response", log.ErrorField(err))
	}
}

// WriteRaw writes the generic value (as parsed by ojg) as JSON
func WriteRaw(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := io.WriteString(w, oj.JSON(v)); err != nil {
		log.Warn("could not write response", log.ErrorField(err))
	}
}

func WriteError(w http.ResponseWriter, status int, err error) {
	WriteJSON(w, status, ErrorResponse{Error: err.Error()})
}

// ExtractDelay reads the delay from a request body. Accepted are
// {"delayMs": n} or a plain number of milliseconds.
func ExtractDelay(r io.Reader) (time.Duration, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBody))
	if err != nil {
		return 0, err
	}
	return ParseDelay(data)
}

// ParseDelay parses {"delayMs": n} or a plain number of milliseconds
func ParseDelay(data []byte) (time.Duration, error) {
	v, err := oj.Parse(data)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidDelay, err)
	}
	if m, ok := v.(map[string]any); ok {
		var found bool
		if v, found = m["delayMs"]; !found {
			return 0, fmt.Errorf("%w: missing delayMs", ErrInvalidDelay)
		}
	}
	ms, err := extractInt(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidDelay, err)
	}
	if ms < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidDelay)
	}
	if ms > maxDelayMs {
		return 0, fmt.Errorf("%w: must not exceed %d", ErrInvalidDelay, maxDelayMs)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// QueryList returns the values of a query parameter. Repeated parameters and
// comma separated values are both accepted.
func QueryList(r *http.Request, name string) []string {
	var ret []string
	for _, v := range r.URL.Query()[name] {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				ret = append(ret, item)
			}
		}
	}
	return ret
}

func extractInt(val any) (int64, error) {
	switch t := val.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		if t != float64(int64(t)) {
			return -1, fmt.Errorf("not an integer value: %v", t)
		}
		return int64(t), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	}
	return -1, fmt.Errorf("not an integer or compatible value")
}
