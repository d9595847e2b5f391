package eastmoney

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrBlocked means the upstream answered with an HTML page, usually a
	// rate-limit or anti-bot interstitial.
	ErrBlocked = errors.New("upstream returned HTML, request blocked or missing headers")
	// ErrMalformed means the body was neither JSON nor a JSONP wrapper.
	ErrMalformed = errors.New("malformed JSONP response")
)

var jsonpWrapper = regexp.MustCompile(`(?s)^[\w$.]+\s*\((.*)\)\s*;?$`)

// Unwrap strips an optional callback(...) wrapper from body and decodes the
// payload into v. Numbers decode as json.Number.
func Unwrap(body []byte, v any) error {
	trimmed := bytes.TrimPrefix(bytes.TrimSpace(body), []byte("\xef\xbb\xbf"))
	trimmed = bytes.TrimSpace(trimmed)

	payload := trimmed
	switch {
	case len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '['):
	case len(trimmed) > 0 && trimmed[0] == '<':
		// Any markup at all is an interstitial, never a callback.
		return ErrBlocked
	default:
		m := jsonpWrapper.FindSubmatch(trimmed)
		if m == nil {
			return fmt.Errorf("%w: %s", ErrMalformed, sample(trimmed))
		}
		payload = m[1]
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func sample(b []byte) string {
	const limit = 120
	r := []rune(string(b))
	if len(r) > limit {
		r = r[:limit]
	}
	return string(r)
}
