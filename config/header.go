package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// Header is a response header added to every response.
type Header struct {
	Name  string `mapstructure:"name" yaml:"name" validate:"required"`
	Value string `mapstructure:"value" yaml:"value"`
}

// String returns the header in "Name: value" form.
func (h Header) String() string {
	return h.Name + ": " + h.Value
}

// ParseHeader parses "Name: value".
func ParseHeader(s string) (Header, error) {
	name, value, ok := strings.Cut(s, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return Header{}, fmt.Errorf("%w: header %q is not in \"Name: value\" form", ErrInvalid, s)
	}
	return Header{Name: name, Value: strings.TrimSpace(value)}, nil
}

var (
	headerType      = reflect.TypeOf(Header{})
	headerSliceType = reflect.TypeOf([]Header{})
)

// headerDecodeHook lets headers be written as "Name: value" strings, alone or
// in a list.
func headerDecodeHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String {
			return data, nil
		}
		s := reflect.ValueOf(data).String()
		switch to {
		case headerType:
			return ParseHeader(s)
		case headerSliceType:
			if strings.TrimSpace(s) == "" {
				return []Header{}, nil
			}
			h, err := ParseHeader(s)
			if err != nil {
				return nil, err
			}
			return []Header{h}, nil
		}
		return data, nil
	}
}
