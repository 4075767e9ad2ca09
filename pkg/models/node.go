// Package models contains the data types shared by every storage backend,
// the event bus and the remote wire protocol.
package models

import "time"

// DefaultPseudoClass is used when a node is created without a pseudo class.
const DefaultPseudoClass = "folder"

// Node is a vertex of a file system tree.
type Node struct {
	ID               string              `json:"id"`
	ParentID         string              `json:"parentId,omitempty"`
	Name             string              `json:"name"`
	PseudoClass      string              `json:"pseudoClass"`
	Description      string              `json:"description,omitempty"`
	Version          int                 `json:"version"`
	Consistent       bool                `json:"consistent"`
	CreationTime     time.Time           `json:"creationTime"`
	ModificationTime time.Time           `json:"modificationTime"`
	GenericMetadata  NodeGenericMetadata `json:"genericMetadata"`
}

// IsRoot reports whether the node has no parent.
func (n Node) IsRoot() bool {
	return n.ParentID == ""
}

// NodeAttributes are the optional attributes supplied at node creation.
type NodeAttributes struct {
	Description string
	Version     int
	Metadata    NodeGenericMetadata
}

// VersionOrDefault returns the creation version, defaulting to 1.
func (a NodeAttributes) VersionOrDefault() int {
	if a.Version <= 0 {
		return 1
	}
	return a.Version
}

// NodeGenericMetadata holds four independent typed key/value mappings.
type NodeGenericMetadata struct {
	Strings map[string]string  `json:"stringMetadata,omitempty"`
	Ints    map[string]int64   `json:"longMetadata,omitempty"`
	Doubles map[string]float64 `json:"doubleMetadata,omitempty"`
	Bools   map[string]bool    `json:"booleanMetadata,omitempty"`
}

// NewNodeGenericMetadata returns metadata with all mappings allocated.
func NewNodeGenericMetadata() NodeGenericMetadata {
	return NodeGenericMetadata{
		Strings: make(map[string]string),
		Ints:    make(map[string]int64),
		Doubles: make(map[string]float64),
		Bools:   make(map[string]bool),
	}
}

// SetString sets a string entry, allocating the mapping if needed.
func (m *NodeGenericMetadata) SetString(key, value string) {
	if m.Strings == nil {
		m.Strings = make(map[string]string)
	}
	m.Strings[key] = value
}

// SetInt sets an int64 entry.
func (m *NodeGenericMetadata) SetInt(key string, value int64) {
	if m.Ints == nil {
		m.Ints = make(map[string]int64)
	}
	m.Ints[key] = value
}

// SetDouble sets a float64 entry.
func (m *NodeGenericMetadata) SetDouble(key string, value float64) {
	if m.Doubles == nil {
		m.Doubles = make(map[string]float64)
	}
	m.Doubles[key] = value
}

// SetBool sets a bool entry.
func (m *NodeGenericMetadata) SetBool(key string, value bool) {
	if m.Bools == nil {
		m.Bools = make(map[string]bool)
	}
	m.Bools[key] = value
}

// Len returns the total number of entries across all mappings.
func (m NodeGenericMetadata) Len() int {
	return len(m.Strings) + len(m.Ints) + len(m.Doubles) + len(m.Bools)
}

// Clone returns a deep copy.
func (m NodeGenericMetadata) Clone() NodeGenericMetadata {
	c := NewNodeGenericMetadata()
	for k, v := range m.Strings {
		c.Strings[k] = v
	}
	for k, v := range m.Ints {
		c.Ints[k] = v
	}
	for k, v := range m.Doubles {
		c.Doubles[k] = v
	}
	for k, v := range m.Bools {
		c.Bools[k] = v
	}
	return c
}

// MetadataKind names one of the four metadata mappings on the wire.
type MetadataKind string

const (
	MetadataString MetadataKind = "string"
	MetadataInt    MetadataKind = "long"
	MetadataDouble MetadataKind = "double"
	MetadataBool   MetadataKind = "boolean"
)

// Valid reports whether k is a known metadata kind.
func (k MetadataKind) Valid() bool {
	switch k {
	case MetadataString, MetadataInt, MetadataDouble, MetadataBool:
		return true
	}
	return false
}
