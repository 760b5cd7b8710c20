package codec

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/fxamacker/cbor/v2"
)

// Format selects the wire encoding of serialized payloads
type Format string

const (
	JSON Format = "json"
	CBOR Format = "cbor"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	// Payload objects always have string keys
	cborDec, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels: 1024,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// ParseFormat converts a format name, case-insensitively
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case JSON, CBOR:
		return f, nil
	case "":
		return JSON, nil
	default:
		return "", fmt.Errorf("unknown codec format %q", name)
	}
}

// Marshal encodes a plain value tree
func (f Format) Marshal(v any) ([]byte, error) {
	switch f {
	case CBOR:
		return cborEnc.Marshal(v)
	default:
		return sonic.ConfigStd.Marshal(v)
	}
}

// Unmarshal decodes into a plain value tree of maps, slices and scalars
func (f Format) Unmarshal(data []byte) (any, error) {
	var out any
	switch f {
	case CBOR:
		if err := cborDec.Unmarshal(data, &out); err != nil {
			return nil, err
		}
	default:
		if err := sonic.ConfigStd.Unmarshal(data, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (f Format) String() string {
	return string(f)
}
