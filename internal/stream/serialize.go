package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
)

// ErrNotObject is returned by the serialization stage when a source yields
// something other than a JSON object (a map keyed by strings or a struct).
var ErrNotObject = errors.New("serialization input must be an object")

// NewJSONReader turns src into a byte stream of JSON objects.
//
// Records are pulled one at a time as the reader is drained and written
// back to back: no enclosing array and no separators. Framing the entry as
// a strict JSON document is left to whoever composes the output.
//
// Closing the reader closes src.
func NewJSONReader(ctx context.Context, src Source) io.ReadCloser {
	return &jsonReader{ctx: ctx, src: src}
}

type jsonReader struct {
	ctx   context.Context
	src   Source
	buf   []byte
	err   error
	close closeOnce
}

func (j *jsonReader) Read(p []byte) (int, error) {
	for len(j.buf) == 0 {
		if j.err != nil {
			return 0, j.err
		}
		j.fill()
	}

	n := copy(p, j.buf)
	j.buf = j.buf[n:]
	return n, nil
}

// fill pulls the next record from the source and encodes it into buf.
func (j *jsonReader) fill() {
	item, err := j.src.Next(j.ctx)
	if err != nil {
		j.err = err
		return
	}

	data, err := encodeObject(item)
	if err != nil {
		j.err = err
		return
	}
	j.buf = data
}

func (j *jsonReader) Close() error {
	return j.close.do(j.src.Close)
}

// encodeObject marshals v after checking it encodes to a JSON object.
func encodeObject(v any) ([]byte, error) {
	if !isObject(v) {
		return nil, fmt.Errorf("%w: got %T", ErrNotObject, v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}

func isObject(v any) bool {
	if v == nil {
		return false
	}
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Pointer {
		if reflect.ValueOf(v).IsNil() {
			return false
		}
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct:
		return true
	case reflect.Map:
		return t.Key().Kind() == reflect.String
	default:
		return false
	}
}
