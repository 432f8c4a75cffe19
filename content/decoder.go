package content

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// DecodeFunc turns a raw payload into a typed value. Returned errors are
// treated as decode failures by the reader and the syncer.
type DecodeFunc func(data []byte) (any, error)

// Registry maps collection keys to their decoders. Adding a collection never
// requires touching the reader or the syncer.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]DecodeFunc)}
}

// Register installs decode for key, replacing any previous decoder.
func (r *Registry) Register(key string, decode DecodeFunc) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if decode == nil {
		return fmt.Errorf("nil decoder for %s", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[key] = decode
	return nil
}

// MustRegister is Register for package init paths.
func (r *Registry) MustRegister(key string, decode DecodeFunc) {
	if err := r.Register(key, decode); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(key string) (DecodeFunc, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	decode, ok := r.decoders[key]
	return decode, ok
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.decoders))
	for key := range r.decoders {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Validatable is implemented by payload types that check their own shape
// after JSON decoding, e.g. a required top-level array.
type Validatable interface {
	Validate() error
}

// JSONDecoder decodes a payload into T and rejects trailing data after the
// document. If *T or T implements Validatable its check runs last. Errors
// wrap ErrDecode.
func JSONDecoder[T any]() DecodeFunc {
	return func(data []byte) (any, error) {
		var out T
		if err := decodeJSONStrict(data, &out); err != nil {
			return nil, err
		}
		var candidate any = &out
		if v, ok := candidate.(Validatable); ok {
			if err := v.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDecode, err)
			}
		}
		return out, nil
	}
}

// RegisterJSON registers a JSONDecoder[T] for key.
func RegisterJSON[T any](r *Registry, key string) error {
	return r.Register(key, JSONDecoder[T]())
}

// RawJSON accepts any well-formed JSON document and returns it unchanged.
// It is the decoder used for collections without a registered schema.
func RawJSON(data []byte) (any, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrDecode)
	}
	return json.RawMessage(append([]byte(nil), data...)), nil
}

func decodeJSONStrict(data []byte, out any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: empty payload", ErrDecode)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after JSON document", ErrDecode)
	}
	return nil
}

// asDecodeError makes sure err carries ErrDecode.
func asDecodeError(key string, err error) error {
	if errors.Is(err, ErrDecode) {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrDecode, key, err)
}
