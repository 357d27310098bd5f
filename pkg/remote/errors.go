package remote

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/odvcencio/treepush/pkg/object"
)

// RemoteError is a structured error body returned by the store.
type RemoteError struct {
	Message          string `json:"message"`
	DocumentationURL string `json:"documentation_url,omitempty"`
	Errors           []struct {
		Resource string `json:"resource,omitempty"`
		Field    string `json:"field,omitempty"`
		Code     string `json:"code,omitempty"`
		Message  string `json:"message,omitempty"`
	} `json:"errors,omitempty"`
}

func (e *RemoteError) Error() string {
	msg := e.Message
	for _, detail := range e.Errors {
		switch {
		case detail.Message != "":
			msg += "; " + detail.Message
		case detail.Code != "":
			msg += fmt.Sprintf("; %s %s", detail.Field, detail.Code)
		}
	}
	return msg
}

// tryParseRemoteError attempts to parse a JSON error response body.
func tryParseRemoteError(body []byte) *RemoteError {
	var re RemoteError
	if err := json.Unmarshal(body, &re); err != nil {
		return nil
	}
	if re.Message == "" {
		return nil
	}
	return &re
}

// statusError turns a non-success response into an error, preferring the
// structured remote error when the body carries one.
func statusError(status int, body []byte) error {
	if re := tryParseRemoteError(body); re != nil {
		return re
	}
	msg := string(trimBody(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("%s", msg)
}

func trimBody(body []byte) []byte {
	const max = 512
	if len(body) > max {
		return body[:max]
	}
	return body
}

// ObjectCreateError reports a blob, tree or commit the store did not accept.
// Status is zero when the request never produced a response.
type ObjectCreateError struct {
	Type   object.ObjectType
	Path   string
	Status int
	Err    error
}

func (e *ObjectCreateError) Error() string {
	what := string(e.Type)
	if e.Path != "" {
		what += " " + e.Path
	}
	if e.Status != 0 {
		return fmt.Sprintf("create %s: status %d: %v", what, e.Status, e.Err)
	}
	return fmt.Sprintf("create %s: %v", what, e.Err)
}

func (e *ObjectCreateError) Unwrap() error { return e.Err }

// ReferenceResolutionError reports a failed reference lookup. A reference
// that does not exist is not an error.
type ReferenceResolutionError struct {
	Ref    string
	Status int
	Err    error
}

func (e *ReferenceResolutionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("resolve ref %s: status %d: %v", e.Ref, e.Status, e.Err)
	}
	return fmt.Sprintf("resolve ref %s: %v", e.Ref, e.Err)
}

func (e *ReferenceResolutionError) Unwrap() error { return e.Err }

// ReferenceUpdateError reports a rejected reference move.
type ReferenceUpdateError struct {
	Ref    string
	Target object.Hash
	Status int
	Err    error
}

func (e *ReferenceUpdateError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("update ref %s to %s: status %d: %v", e.Ref, e.Target.Short(), e.Status, e.Err)
	}
	return fmt.Sprintf("update ref %s to %s: %v", e.Ref, e.Target.Short(), e.Err)
}

func (e *ReferenceUpdateError) Unwrap() error { return e.Err }
