package relay

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	"elley/internal/core"
)

// ErrMalformedFragment is returned when a backend line is not a JSON object.
var ErrMalformedFragment = errors.New("malformed backend fragment")

// ErrFragmentTooLong is returned when a backend line exceeds the decoder's limit.
// It is a backend failure, not a malformed fragment.
var ErrFragmentTooLong = errors.New("backend fragment too long")

// DefaultMaxLineBytes bounds a single backend line.
const DefaultMaxLineBytes = 16 << 20

// BackendStreamError reports an error object sent by the backend in place of a fragment.
type BackendStreamError struct {
	Message string
}

func (e *BackendStreamError) Error() string {
	return "backend stream error: " + e.Message
}

// maxQuotedLine limits how much of a bad line ends up in error messages.
const maxQuotedLine = 256

// Decoder reads newline-delimited JSON fragments from a backend body.
// Each line is parsed and released before the next one is read; nothing is
// accumulated beyond the current line, and no line may exceed maxLine bytes.
type Decoder struct {
	r       *bufio.Reader
	maxLine int
	err     error
}

// NewDecoder returns a Decoder reading from r with DefaultMaxLineBytes.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderSize(r, DefaultMaxLineBytes)
}

// NewDecoderSize returns a Decoder that rejects lines longer than maxLine bytes.
// A non-positive maxLine means DefaultMaxLineBytes.
func NewDecoderSize(r io.Reader, maxLine int) *Decoder {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	return &Decoder{r: bufio.NewReader(r), maxLine: maxLine}
}

// Next returns the next fragment. Blank lines are skipped. It returns io.EOF
// once the body ends cleanly, ErrMalformedFragment (wrapped) for a line that
// is not a JSON object, ErrFragmentTooLong (wrapped) for a line over the
// limit, and any read error from the underlying body as is. Errors other
// than a malformed or backend error object are sticky.
func (d *Decoder) Next() (core.Fragment, error) {
	for {
		if d.err != nil {
			return core.Fragment{}, d.err
		}

		line, err := d.readLine()
		if err != nil {
			d.err = err
			// A line cut short by a transport error is incomplete, not malformed.
			if !errors.Is(err, io.EOF) {
				return core.Fragment{}, err
			}
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return parseFragment(line)
	}
}

// readLine returns the next line including its terminator, or what remains
// of the body before an error.
func (d *Decoder) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		if len(line)+len(chunk) > d.maxLine {
			return nil, fmt.Errorf("%w: exceeds %d bytes", ErrFragmentTooLong, d.maxLine)
		}
		line = append(line, chunk...)
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, err
		}
	}
}

func parseFragment(line []byte) (core.Fragment, error) {
	if !gjson.ValidBytes(line) {
		return core.Fragment{}, fmt.Errorf("%w: invalid JSON %q", ErrMalformedFragment, quote(line))
	}
	obj := gjson.ParseBytes(line)
	if !obj.IsObject() {
		return core.Fragment{}, fmt.Errorf("%w: expected object, got %q", ErrMalformedFragment, quote(line))
	}

	if e := obj.Get("error"); e.Exists() && e.String() != "" {
		return core.Fragment{}, &BackendStreamError{Message: e.String()}
	}

	return core.Fragment{
		Text:             obj.Get("response").String(),
		Done:             obj.Get("done").Bool(),
		Model:            obj.Get("model").String(),
		DoneReason:       obj.Get("done_reason").String(),
		PromptTokens:     obj.Get("prompt_eval_count").Int(),
		CompletionTokens: obj.Get("eval_count").Int(),
		TotalDurationNs:  obj.Get("total_duration").Int(),
	}, nil
}

func quote(line []byte) string {
	if len(line) > maxQuotedLine {
		return string(line[:maxQuotedLine]) + "..."
	}
	return string(line)
}
