// Package manifest loads task lists: the ordered step manifests a worker executes.
//
// Manifests are JSON documents, optionally with comments and trailing commas:
//
//	{
//	    "run": "forever",
//	    "list": ["scripts/hello.js", {"script": "scripts/fetch.js", "every": 60}]
//	}
//
// Steps are opaque to the supervisor and are kept as raw JSON.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/tidwall/jsonc"
)

// RunMode says what happens when a worker exits.
type RunMode string

const (
	Once    RunMode = "once"
	Forever RunMode = "forever"
)

// TaskList is a loaded manifest. It is not modified after Read returns.
type TaskList struct {
	SourcePath string
	Steps      []json.RawMessage
	RunMode    RunMode
	// Raw is the manifest content as JSON, comments stripped. It is the default init payload.
	Raw json.RawMessage
}

// Perpetual reports whether the worker should be relaunched after every exit.
func (l *TaskList) Perpetual() bool {
	return l != nil && l.RunMode == Forever
}

// Empty returns the degenerate task list used when a manifest can't be loaded.
// The worker is still launched but has nothing meaningful to run.
func Empty(path string) *TaskList {
	return &TaskList{SourcePath: path, RunMode: Once, Raw: json.RawMessage("null")}
}

// LoadError is a manifest load failure, positioned in the source file where possible.
type LoadError struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Ch      int    `json:"ch"`
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

func (e *LoadError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.Path, e.Line, e.Ch, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

type document struct {
	Run  RunMode           `json:"run"`
	List []json.RawMessage `json:"list"`
}

// Read loads the task list at path. On failure it returns a *LoadError.
func Read(path string) (*TaskList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newLoadError(path, nil, 0, err)
	}
	return Parse(path, data)
}

// Parse parses manifest data read from path.
func Parse(path string, data []byte) (*TaskList, error) {
	// jsonc.ToJSON replaces comments with whitespace, so offsets still match the source.
	stripped := jsonc.ToJSON(data)

	var doc document
	if err := json.Unmarshal(stripped, &doc); err != nil {
		var offset int64
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syntaxErr):
			offset = syntaxErr.Offset
		case errors.As(err, &typeErr):
			offset = typeErr.Offset
		}
		return nil, newLoadError(path, data, offset, err)
	}
	if offset := leadingComma(data); offset >= 0 {
		return nil, newLoadError(path, data, offset+1, errors.New("invalid character ',' looking for beginning of value"))
	}

	mode := doc.Run
	if mode != Forever {
		mode = Once
	}
	var raw bytes.Buffer
	if err := json.Compact(&raw, stripped); err != nil {
		return nil, newLoadError(path, data, 0, err)
	}
	return &TaskList{
		SourcePath: path,
		Steps:      doc.List,
		RunMode:    mode,
		Raw:        raw.Bytes(),
	}, nil
}

// leadingComma returns the offset of a comma that directly follows an opening
// bracket or brace, or -1. jsonc.ToJSON drops such a comma as if it were
// trailing, which turns "[,]" into a valid empty list.
func leadingComma(data []byte) int64 {
	var last byte
	for i := 0; i < len(data); i++ {
		c := data[i]
		switch {
		case c == '"':
			for i++; i < len(data); i++ {
				if data[i] == '\\' {
					i++
					continue
				}
				if data[i] == '"' {
					break
				}
			}
			last = '"'
		case c == '/' && i+1 < len(data) && data[i+1] == '/':
			for i < len(data) && data[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(data) && data[i+1] == '*':
			end := bytes.Index(data[i+2:], []byte("*/"))
			if end < 0 {
				return -1
			}
			i += end + 3
		case c <= ' ':
		case c == ',' && (last == '[' || last == '{'):
			return int64(i)
		default:
			last = c
		}
	}
	return -1
}

func newLoadError(path string, data []byte, offset int64, err error) *LoadError {
	line, ch := position(data, offset)
	return &LoadError{
		Path:    path,
		Line:    line,
		Ch:      ch,
		Message: err.Error(),
		Stack:   string(debug.Stack()),
	}
}

// position converts a byte offset into a 1-based line and 0-based column.
// It returns 0, 0 when there is no offset to report.
func position(data []byte, offset int64) (int, int) {
	if offset <= 0 || len(data) == 0 {
		return 0, 0
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	prefix := data[:offset]
	line := bytes.Count(prefix, []byte("\n")) + 1
	ch := len(prefix) - (bytes.LastIndexByte(prefix, '\n') + 1)
	return line, ch
}
