package config

import (
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/buger/jsonparser"
	json "github.com/goccy/go-json"

	"github.com/polisai/polis-limitsize/pkg/domain"
)

const (
	// DefaultMaxSize is the byte limit applied to a direction whose limit key
	// is absent from the filter configuration (500 KiB).
	DefaultMaxSize uint64 = 500 * 1024

	// DefaultRequestStatus is returned when a request body is too large.
	DefaultRequestStatus uint32 = http.StatusRequestEntityTooLarge
	// DefaultResponseStatus is returned when an upstream response body is too large.
	DefaultResponseStatus uint32 = http.StatusBadGateway
)

// StatusCodes holds the HTTP statuses used for synthetic rejections.
type StatusCodes struct {
	Request  uint32
	Response uint32
}

// FilterConfig is the immutable configuration snapshot of the payload size
// filter. It is a plain value: exchanges copy it when they are created and
// never observe later reconfiguration.
//
// Defaults: an absent maxRequestSize / maxResponseSize means DefaultMaxSize,
// an explicit JSON null means unlimited. Status codes default to 413 and 502.
type FilterConfig struct {
	MaxRequestSize  domain.Limit
	MaxResponseSize domain.Limit
	StatusCodes     StatusCodes
}

// DefaultFilterConfig returns the snapshot used before any configuration is applied.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		MaxRequestSize:  domain.LimitOf(DefaultMaxSize),
		MaxResponseSize: domain.LimitOf(DefaultMaxSize),
		StatusCodes: StatusCodes{
			Request:  DefaultRequestStatus,
			Response: DefaultResponseStatus,
		},
	}
}

// LimitFor returns the limit configured for a direction.
func (c FilterConfig) LimitFor(dir domain.Direction) domain.Limit {
	if dir == domain.DirectionResponse {
		return c.MaxResponseSize
	}
	return c.MaxRequestSize
}

// StatusFor returns the rejection status configured for a direction.
func (c FilterConfig) StatusFor(dir domain.Direction) uint32 {
	if dir == domain.DirectionResponse {
		return c.StatusCodes.Response
	}
	return c.StatusCodes.Request
}

// filterConfigDTO is the encoded form of FilterConfig.
type filterConfigDTO struct {
	MaxRequestSize  *uint64         `json:"maxRequestSize"`
	MaxResponseSize *uint64         `json:"maxResponseSize"`
	StatusCodes     *statusCodesDTO `json:"statusCodes"`
}

type statusCodesDTO struct {
	Request  *uint32 `json:"request"`
	Response *uint32 `json:"response"`
}

// Member names are matched exactly.
const (
	keyMaxRequestSize  = "maxRequestSize"
	keyMaxResponseSize = "maxResponseSize"
	keyStatusCodes     = "statusCodes"
	keyRequest         = "request"
	keyResponse        = "response"
)

// ParseFilterConfig decodes a JSON filter configuration and applies defaults.
// Member names are case sensitive and unknown members are ignored; a known
// member given twice is an error. Malformed input yields a *ConfigError that
// carries the failing line and column whenever the position is known.
func ParseFilterConfig(raw []byte) (FilterConfig, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return FilterConfig{}, newDecodeError(raw, err)
	}

	cfg := DefaultFilterConfig()
	if doc == nil {
		return cfg, nil
	}

	err := eachMember(raw, raw, 0, "", []string{keyMaxRequestSize, keyMaxResponseSize, keyStatusCodes}, func(m member) error {
		var err error
		switch m.name {
		case keyMaxRequestSize:
			cfg.MaxRequestSize, err = decodeLimit(raw, m)
		case keyMaxResponseSize:
			cfg.MaxResponseSize, err = decodeLimit(raw, m)
		case keyStatusCodes:
			err = decodeStatusCodes(raw, m, &cfg.StatusCodes)
		}
		return err
	})
	if err != nil {
		return FilterConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return FilterConfig{}, err
	}
	return cfg, nil
}

// member is one name/value pair of a JSON object. Offset is the position of
// the value in the whole document.
type member struct {
	name   string
	path   string
	raw    []byte
	kind   jsonparser.ValueType
	offset int64
}

// eachMember calls fn for every member of obj named in known, in document
// order. obj starts at base in src.
func eachMember(src, obj []byte, base int64, prefix string, known []string, fn func(member) error) error {
	seen := make(map[string]bool, len(known))
	err := jsonparser.ObjectEach(obj, func(key, value []byte, kind jsonparser.ValueType, end int) error {
		name := string(key)
		if !slices.Contains(known, name) {
			return nil
		}

		start := end - len(value)
		if kind == jsonparser.String {
			start -= 2
		}
		m := member{
			name:   name,
			path:   prefix + name,
			raw:    obj[start:end],
			kind:   kind,
			offset: base + int64(start),
		}
		if seen[name] {
			return locatedError(src, m, fmt.Sprintf("duplicate field `%s`", m.path), nil)
		}
		seen[name] = true
		return fn(m)
	})
	if err == nil {
		return nil
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return cfgErr
	}
	return newDecodeError(src, err)
}

func decodeLimit(src []byte, m member) (domain.Limit, error) {
	if m.kind == jsonparser.Null {
		return domain.Unlimited(), nil
	}
	var n uint64
	if err := decodeValue(src, m, &n); err != nil {
		return domain.Limit{}, err
	}
	return domain.LimitOf(n), nil
}

func decodeStatusCodes(src []byte, m member, codes *StatusCodes) error {
	switch m.kind {
	case jsonparser.Null:
		return nil
	case jsonparser.Object:
	default:
		return locatedError(src, m, fmt.Sprintf("cannot use %s as an object", m.raw), nil)
	}

	return eachMember(src, m.raw, m.offset, m.path+".", []string{keyRequest, keyResponse}, func(sm member) error {
		if sm.kind == jsonparser.Null {
			return nil
		}
		var code uint32
		if err := decodeValue(src, sm, &code); err != nil {
			return err
		}
		if sm.name == keyRequest {
			codes.Request = code
		} else {
			codes.Response = code
		}
		return nil
	})
}

// decodeValue unmarshals a single member value, reporting errors at their
// position in src.
func decodeValue(src []byte, m member, v any) error {
	err := json.Unmarshal(m.raw, v)
	if err == nil {
		return nil
	}
	cfgErr := newDecodeError(m.raw, err)
	rel := min(max(cfgErr.Offset, 0), int64(len(m.raw)))
	located := locatedError(src, m, cfgErr.Reason, err)
	if cfgErr.Value != nil {
		located.Value = cfgErr.Value
	}
	located.Offset += rel
	located.Line, located.Column = lineColumn(src, located.Offset)
	return located
}

func locatedError(src []byte, m member, reason string, err error) *ConfigError {
	line, col := lineColumn(src, m.offset)
	return &ConfigError{
		Field:  m.path,
		Value:  string(m.raw),
		Reason: reason,
		Offset: m.offset,
		Line:   line,
		Column: col,
		Err:    err,
	}
}

// Validate checks that both rejection statuses are valid HTTP status codes.
func (c FilterConfig) Validate() error {
	if err := validateStatus("statusCodes.request", c.StatusCodes.Request); err != nil {
		return err
	}
	return validateStatus("statusCodes.response", c.StatusCodes.Response)
}

func validateStatus(field string, code uint32) error {
	if code < 100 || code > 599 {
		return &ConfigError{
			Field:  field,
			Value:  code,
			Reason: fmt.Sprintf("%d is not a valid HTTP status code", code),
		}
	}
	return nil
}

// Encode writes the canonical JSON form. Unlimited directions encode as null so
// that ParseFilterConfig(Encode(c)) reproduces c exactly.
func (c FilterConfig) Encode() ([]byte, error) {
	req, resp := c.StatusCodes.Request, c.StatusCodes.Response
	dto := filterConfigDTO{
		MaxRequestSize:  limitToWire(c.MaxRequestSize),
		MaxResponseSize: limitToWire(c.MaxResponseSize),
		StatusCodes:     &statusCodesDTO{Request: &req, Response: &resp},
	}
	data, err := json.Marshal(dto)
	if err != nil {
		return nil, fmt.Errorf("encode filter config: %w", err)
	}
	return data, nil
}

// String renders the snapshot for logs.
func (c FilterConfig) String() string {
	return fmt.Sprintf("maxRequestSize=%s maxResponseSize=%s statusCodes.request=%d statusCodes.response=%d",
		c.MaxRequestSize, c.MaxResponseSize, c.StatusCodes.Request, c.StatusCodes.Response)
}

func limitFromWire(v *uint64) domain.Limit {
	if v == nil {
		return domain.Unlimited()
	}
	return domain.LimitOf(*v)
}

func limitToWire(l domain.Limit) *uint64 {
	n, ok := l.Bytes()
	if !ok {
		return nil
	}
	return &n
}
