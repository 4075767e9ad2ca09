// Package protocol defines the remote storage request/response types.
package protocol

import (
	"net/url"
	"strings"

	"github.com/fruitsalade/appfs/pkg/models"
)

// APIPrefix is the path prefix of every remote storage route.
const APIPrefix = "/api/v1"

// Error kinds carried in ErrorResponse.JavaException.
const (
	KindNotFound             = "NotFound"
	KindConflict             = "Conflict"
	KindCycle                = "Cycle"
	KindInconsistent         = "Inconsistent"
	KindUnavailable          = "Unavailable"
	KindConfigurationMissing = "ConfigurationMissing"
	KindInvalidArgument      = "InvalidArgument"
	KindUnauthorized         = "Unauthorized"
	KindForbidden            = "Forbidden"
	KindInternal             = "Internal"
)

// ErrorResponse is the structured body returned on server-side failure.
type ErrorResponse struct {
	JavaException string `json:"javaException"`
	Message       string `json:"message"`
	// RequestID matches the request_id field of the server's log entries.
	RequestID string `json:"requestId,omitempty"`
}

// FileSystemsResponse is returned by GET /api/v1/fileSystems
type FileSystemsResponse struct {
	Names []string `json:"names"`
}

// ChildNodesResponse is returned by GET .../nodes/{id}/children
type ChildNodesResponse struct {
	Nodes []models.Node `json:"nodes"`
}

// ParentNodeResponse is returned by GET .../nodes/{id}/parent
type ParentNodeResponse struct {
	Node  *models.Node `json:"node,omitempty"`
	Found bool         `json:"found"`
}

// ConsistentResponse is returned by GET .../nodes/{id}/consistent
type ConsistentResponse struct {
	Consistent bool `json:"consistent"`
}

// DeleteNodeResponse is returned by DELETE .../nodes/{id}
type DeleteNodeResponse struct {
	ParentID string `json:"parentId"`
}

// DataNamesResponse is returned by GET .../nodes/{id}/data
type DataNamesResponse struct {
	Names []string `json:"names"`
}

// RemoveDataResponse is returned by DELETE .../nodes/{id}/data/{name}
type RemoveDataResponse struct {
	Removed bool `json:"removed"`
}

// CreateNodeRequest is the body of POST .../nodes/{id}/children/{name}
type CreateNodeRequest struct {
	PseudoClass     string                     `json:"pseudoClass"`
	Description     string                     `json:"description,omitempty"`
	Version         int                        `json:"version,omitempty"`
	GenericMetadata models.NodeGenericMetadata `json:"genericMetadata"`
}

// ValueRequest carries a single string, such as a new parent id, name or
// description.
type ValueRequest struct {
	Value string `json:"value"`
}

// MetadataValueRequest is the body of PUT .../nodes/{id}/metadata/{kind}/{key}
type MetadataValueRequest struct {
	String *string  `json:"string,omitempty"`
	Int    *int64   `json:"long,omitempty"`
	Double *float64 `json:"double,omitempty"`
	Bool   *bool    `json:"boolean,omitempty"`
}

// CheckResponse is returned by POST .../check
type CheckResponse struct {
	Issues []models.FileSystemCheckIssue `json:"issues"`
}

// FileSystemPath returns the route prefix of a file system.
func FileSystemPath(fileSystemName string) string {
	return APIPrefix + "/fileSystems/" + url.PathEscape(fileSystemName)
}

// NodePath returns the route of a node: fileSystems/{fileSystemName}/nodes/{nodeId}.
func NodePath(fileSystemName, nodeID string, sub ...string) string {
	var b strings.Builder
	b.WriteString(FileSystemPath(fileSystemName))
	b.WriteString("/nodes/")
	b.WriteString(url.PathEscape(nodeID))
	for _, s := range sub {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// BlobPath returns the route of blobs stored for another tree:
// fileSystems/{fileSystemName}/blobs/{nodeId}. Unlike NodePath data routes,
// the node is not required to exist in the file system.
func BlobPath(fileSystemName, nodeID string, sub ...string) string {
	var b strings.Builder
	b.WriteString(FileSystemPath(fileSystemName))
	b.WriteString("/blobs/")
	b.WriteString(url.PathEscape(nodeID))
	for _, s := range sub {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// EventsPath returns the streaming route of a file system.
func EventsPath(fileSystemName string) string {
	return FileSystemPath(fileSystemName) + "/events"
}
