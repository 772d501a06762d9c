package scrape

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNoTitle is returned by title lookups when the page has no usable title.
var ErrNoTitle = errors.New("course title not found")

// FetchError reports an unreachable upstream or a non-success response.
type FetchError struct {
	URL        string
	StatusCode int // 0 when the request never got a response
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// statusError returns a *FetchError for any document status other than 200.
// text is the reason phrase, possibly empty or already prefixed with code.
func statusError(rawURL string, code int, text string) error {
	if code == http.StatusOK {
		return nil
	}
	text = strings.TrimSpace(strings.TrimPrefix(text, fmt.Sprint(code)))
	if text == "" {
		text = http.StatusText(code)
	}
	return &FetchError{URL: rawURL, StatusCode: code, Err: fmt.Errorf("%d %s", code, text)}
}

// ParseError reports a document that lacks the structure the parser expects.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
