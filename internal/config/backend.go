package config

import (
	"fmt"
	"strconv"
)

// appName names the config and data directories, the macOS defaults domain
// and the keychain service.
const appName = "llamactl"

// ConfigBackend is the persistent store behind Load, SetKey and UnsetKey.
// Every key type in the table has its own accessor pair so values keep
// their native type: JSON numbers and booleans in the Linux file, -int and
// -bool entries in macOS defaults.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetBool(key string) (val bool, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetBool(key string, val bool) error
	Delete(key string) error
}

// readKey fetches s from b using the accessor for its type.
func readKey(b ConfigBackend, s keySpec) (any, bool, error) {
	switch s.typ {
	case kInt:
		v, ok, err := b.GetInt(s.key)
		return v, ok, err
	case kBool:
		v, ok, err := b.GetBool(s.key)
		return v, ok, err
	default:
		v, ok, err := b.GetString(s.key)
		return v, ok, err
	}
}

// writeKey stores an already parsed value for s.
func writeKey(b ConfigBackend, s keySpec, v any) error {
	switch s.typ {
	case kInt:
		return b.SetInt(s.key, v.(int))
	case kBool:
		return b.SetBool(s.key, v.(bool))
	default:
		return b.SetString(s.key, v.(string))
	}
}

// parseValue converts user input for s into the type its apply func expects.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		return i, nil
	case kBool:
		bv, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean value for %s: %w", s.key, err)
		}
		return bv, nil
	default:
		return raw, nil
	}
}
