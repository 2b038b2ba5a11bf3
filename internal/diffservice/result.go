package diffservice

import (
	"bytes"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Diff operations.
const (
	OpDelete = -1
	OpEqual  = 0
	OpInsert = 1
)

// Operation is one [operation, text] tuple of a diff.
type Operation struct {
	Op   int
	Text string
}

// Result is the service's response body.
type Result struct {
	ContentType string
	Body        []byte
}

// IsJSON reports whether the service answered with JSON.
func (r Result) IsJSON() bool {
	return r.ContentType == "application/json" || strings.HasSuffix(r.ContentType, "+json")
}

// Text returns the body as text.
func (r Result) Text() string {
	return string(r.Body)
}

// JSON returns the raw JSON payload, or nil for text responses.
func (r Result) JSON() json.RawMessage {
	if !r.IsJSON() {
		return nil
	}
	return json.RawMessage(r.Body)
}

// Operations decodes the diff tuples. The payload may be the bare array or an
// object carrying it under "diff".
func (r Result) Operations() ([]Operation, error) {
	body := bytes.TrimSpace(r.Body)
	if len(body) == 0 {
		return nil, fmt.Errorf("diffservice: empty diff payload")
	}
	if body[0] == '{' {
		var wrapped struct {
			Diff json.RawMessage `json:"diff"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("diffservice: decode diff: %w", err)
		}
		if len(wrapped.Diff) == 0 {
			return nil, fmt.Errorf("diffservice: payload has no diff")
		}
		body = wrapped.Diff
	}

	var tuples [][]json.RawMessage
	if err := json.Unmarshal(body, &tuples); err != nil {
		return nil, fmt.Errorf("diffservice: decode diff: %w", err)
	}
	ops := make([]Operation, 0, len(tuples))
	for i, tuple := range tuples {
		if len(tuple) != 2 {
			return nil, fmt.Errorf("diffservice: diff entry %d has %d elements", i, len(tuple))
		}
		var op Operation
		if err := json.Unmarshal(tuple[0], &op.Op); err != nil {
			return nil, fmt.Errorf("diffservice: diff entry %d operation: %w", i, err)
		}
		if op.Op < OpDelete || op.Op > OpInsert {
			return nil, fmt.Errorf("diffservice: diff entry %d has unknown operation %d", i, op.Op)
		}
		if err := json.Unmarshal(tuple[1], &op.Text); err != nil {
			return nil, fmt.Errorf("diffservice: diff entry %d text: %w", i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}
