package models

import (
	"sort"
	"time"
)

// FileSystemCheckIssueType names a class of structural defect.
type FileSystemCheckIssueType string

const (
	IssueExpirationInconsistent FileSystemCheckIssueType = "EXPIRATION_INCONSISTENT"
	IssueMissingChildNode       FileSystemCheckIssueType = "MISSING_CHILD_NODE"
)

// AllIssueTypes lists every issue type a checker knows about.
var AllIssueTypes = []FileSystemCheckIssueType{IssueExpirationInconsistent, IssueMissingChildNode}

// FileSystemCheckIssue is one defect found by a consistency check.
type FileSystemCheckIssue struct {
	NodeID            string                   `json:"uuid"`
	Name              string                   `json:"name"`
	Type              FileSystemCheckIssueType `json:"type"`
	Description       string                   `json:"description,omitempty"`
	Repaired          bool                     `json:"repaired"`
	RepairDescription string                   `json:"resolutionDescription,omitempty"`
}

// FileSystemCheckOptions parameterizes a consistency check.
type FileSystemCheckOptions struct {
	InconsistentNodesExpirationTime *time.Time                 `json:"inconsistentNodesExpirationTime,omitempty"`
	Types                           []FileSystemCheckIssueType `json:"types"`
	Repair                          bool                       `json:"repair"`
}

// Includes reports whether issue type t was requested.
func (o FileSystemCheckOptions) Includes(t FileSystemCheckIssueType) bool {
	for _, want := range o.Types {
		if want == t {
			return true
		}
	}
	return false
}

// FileSystemCheckOptionsBuilder builds FileSystemCheckOptions. Runs are dry
// unless Repair is called.
type FileSystemCheckOptionsBuilder struct {
	expiration *time.Time
	types      map[FileSystemCheckIssueType]struct{}
	repair     bool
}

// NewCheckOptionsBuilder returns a builder for a dry run with no types.
func NewCheckOptionsBuilder() *FileSystemCheckOptionsBuilder {
	return &FileSystemCheckOptionsBuilder{types: make(map[FileSystemCheckIssueType]struct{})}
}

// SetInconsistentNodesExpirationTime sets the threshold below which an
// inconsistent node counts as expired.
func (b *FileSystemCheckOptionsBuilder) SetInconsistentNodesExpirationTime(t time.Time) *FileSystemCheckOptionsBuilder {
	b.expiration = &t
	return b.AddCheckTypes(IssueExpirationInconsistent)
}

// AddCheckTypes adds issue types to check.
func (b *FileSystemCheckOptionsBuilder) AddCheckTypes(types ...FileSystemCheckIssueType) *FileSystemCheckOptionsBuilder {
	for _, t := range types {
		b.types[t] = struct{}{}
	}
	return b
}

// DryRun reports issues without modifying the backend.
func (b *FileSystemCheckOptionsBuilder) DryRun() *FileSystemCheckOptionsBuilder {
	b.repair = false
	return b
}

// Repair fixes issues as they are found.
func (b *FileSystemCheckOptionsBuilder) Repair() *FileSystemCheckOptionsBuilder {
	b.repair = true
	return b
}

// Build returns the options.
func (b *FileSystemCheckOptionsBuilder) Build() FileSystemCheckOptions {
	opts := FileSystemCheckOptions{Repair: b.repair}
	if b.expiration != nil {
		t := *b.expiration
		opts.InconsistentNodesExpirationTime = &t
	}
	for t := range b.types {
		opts.Types = append(opts.Types, t)
	}
	sort.Slice(opts.Types, func(i, j int) bool { return opts.Types[i] < opts.Types[j] })
	return opts
}
