package models

import "strings"

// Source identifies the tier that produced an image.
type Source int

const (
	SourceNone Source = iota
	SourceMemory
	SourceDisk
	SourceNetwork
	// SourceDirect is a network fetch decoded without going through the disk store.
	SourceDirect
)

// String returns the string representation of the source
func (s Source) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourceDisk:
		return "disk"
	case SourceNetwork:
		return "network"
	case SourceDirect:
		return "direct"
	default:
		return "none"
	}
}

// ParseSource converts a source string to Source enum
func ParseSource(source string) Source {
	switch strings.ToLower(source) {
	case "memory":
		return SourceMemory
	case "disk":
		return SourceDisk
	case "network":
		return SourceNetwork
	case "direct":
		return SourceDirect
	default:
		return SourceNone
	}
}

// MarshalJSON implements json.Marshaler interface
func (s Source) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler interface
func (s *Source) UnmarshalJSON(data []byte) error {
	*s = ParseSource(strings.Trim(string(data), `"`))
	return nil
}
