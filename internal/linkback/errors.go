package linkback

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate signals a uniqueness violation on create.
	ErrDuplicate = errors.New("record already exists")
)

// HTTPError is returned by a Fetcher when the remote answered with a
// non-success status.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetch %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}
