package message

import "fmt"

// Type identifies a payload kind. Format of Key(): "domain.category.version".
type Type struct {
	Domain   string `json:"domain"`
	Category string `json:"category"`
	Version  string `json:"version"`
}

// Key returns the dotted notation representation: "domain.category.version"
func (mt Type) Key() string {
	return fmt.Sprintf("%s.%s.%s", mt.Domain, mt.Category, mt.Version)
}

// String returns the same as Key()
func (mt Type) String() string {
	return mt.Key()
}

// IsValid checks if the Type has all required fields populated
func (mt Type) IsValid() bool {
	return mt.Domain != "" && mt.Category != "" && mt.Version != ""
}

// Payload is the data carried by a Record
type Payload interface {
	Schema() Type
}
