// Package remote implements a storage backend that forwards every operation
// to an appfs server and receives node events over a websocket.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/appfs/internal/auth"
	"github.com/fruitsalade/appfs/internal/connection"
	"github.com/fruitsalade/appfs/internal/events"
	"github.com/fruitsalade/appfs/internal/logging"
	"github.com/fruitsalade/appfs/internal/metrics"
	"github.com/fruitsalade/appfs/internal/storage"
	"github.com/fruitsalade/appfs/pkg/models"
	"github.com/fruitsalade/appfs/pkg/protocol"
	"github.com/fruitsalade/appfs/pkg/retry"
)

const backendName = "remote"

// Config configures a remote backend.
type Config struct {
	URL   string `koanf:"url"`
	Token string `koanf:"token"`
	// FileSystem is the name on the server. It defaults to the local name.
	FileSystem     string        `koanf:"file_system"`
	Timeout        time.Duration `koanf:"timeout"`
	AutoReconnect  bool          `koanf:"auto_reconnect"`
	ReconnectDelay time.Duration `koanf:"reconnect_delay"`
	Retry          retry.Config  `koanf:"-"`
}

// Backend is a storage.Backend served by a remote appfs server.
type Backend struct {
	name        string
	remoteName  string
	baseURL     string
	token       string
	httpClient  *http.Client
	retryConfig retry.Config
	pub         events.Publisher
	conn        *connection.Manager
}

// New creates a backend for the file system name. When pub is non-nil the
// backend subscribes to the server's event stream and republishes events
// to pub; the initial connection must succeed.
func New(ctx context.Context, name string, cfg Config, pub events.Publisher) (*Backend, error) {
	if cfg.URL == "" {
		return nil, storage.MissingConfiguration("remote.url", "reach the remote file system "+name)
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("%w: remote url: %v", storage.ErrInvalidArgument, err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.FileSystem == "" {
		cfg.FileSystem = name
	}

	b := &Backend{
		name:       name,
		remoteName: cfg.FileSystem,
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.Retry,
		pub:         pub,
	}

	if pub != nil {
		if err := b.subscribe(ctx, cfg); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Backend) subscribe(ctx context.Context, cfg Config) error {
	streamURL, err := connection.StreamURL(b.baseURL + protocol.EventsPath(b.remoteName))
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}
	header := http.Header{}
	auth.SetBearer(header, b.token)

	endpoint := &connection.WebSocketEndpoint{
		URL:       streamURL,
		Header:    header,
		OnMessage: b.onMessage,
	}
	b.conn = connection.NewManager(endpoint, connection.SelectPolicy(connection.Config{
		AutoReconnect:  cfg.AutoReconnect,
		ReconnectDelay: cfg.ReconnectDelay,
	}))
	if _, err := b.conn.Connect(ctx); err != nil {
		b.conn.Close()
		return fmt.Errorf("%w: subscribe to events: %v", storage.ErrTransport, err)
	}
	return nil
}

// onMessage republishes a container received from the server under the
// local file system name.
func (b *Backend) onMessage(data []byte) {
	var c models.NodeEventContainer
	if err := json.Unmarshal(data, &c); err != nil {
		logging.Warn("dropping undecodable event frame",
			zap.String("file_system", b.name),
			zap.Error(err))
		return
	}
	c.FileSystemName = b.name
	b.pub.Publish(c)
}

// ConnectionState reports the state of the event stream.
func (b *Backend) ConnectionState() connection.State {
	if b.conn == nil {
		return connection.StateDisconnected
	}
	return b.conn.State()
}

func (b *Backend) FileSystemName() string {
	return b.name
}

// request describes one call to the server.
type request struct {
	op, id      string
	method      string
	path        string
	query       url.Values
	body        io.Reader
	contentType string
	// idempotent requests are retried on transport failures.
	idempotent bool
}

// do sends req and returns a response with a 2xx status. Error responses
// are decoded into a *storage.RemoteError.
func (b *Backend) do(ctx context.Context, req request) (*http.Response, error) {
	done := metrics.ObserveBackendOp(backendName, req.op)
	target := b.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	send := func() (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, req.method, target, req.body)
		if err != nil {
			return nil, err
		}
		if req.contentType != "" {
			httpReq.Header.Set("Content-Type", req.contentType)
		}
		auth.SetBearer(httpReq.Header, b.token)

		resp, err := b.httpClient.Do(httpReq)
		if err != nil {
			return nil, retry.Retryable(fmt.Errorf("%w: %v", storage.ErrTransport, err))
		}
		if resp.StatusCode < 300 {
			return resp, nil
		}
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	var resp *http.Response
	var err error
	if req.idempotent {
		resp, err = retry.DoWithResult(ctx, b.retryConfig, send)
	} else {
		resp, err = send()
		var retryable retry.RetryableError
		if errors.As(err, &retryable) {
			err = retryable.Err
		}
	}
	done(err)
	if err != nil {
		return nil, storage.NewNodeError(req.op, req.id, err)
	}
	return resp, nil
}

// decodeError maps an error response to a RemoteError. Responses without a
// structured body come from something other than an appfs server and are
// retried when the status suggests a transient failure.
func decodeError(resp *http.Response) error {
	var body protocol.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err == nil && body.JavaException != "" {
		return &storage.RemoteError{Kind: body.JavaException, Message: body.Message, RequestID: body.RequestID}
	}
	err := fmt.Errorf("%w: server returned %s", storage.ErrTransport, resp.Status)
	if resp.StatusCode >= 500 {
		return retry.Retryable(err)
	}
	return err
}

func (b *Backend) getJSON(ctx context.Context, op, id, path string, query url.Values, out any) error {
	return b.sendJSON(ctx, request{op: op, id: id, method: http.MethodGet, path: path, query: query, idempotent: true}, nil, out)
}

// sendJSON encodes in as the request body when non-nil and decodes the
// response into out when non-nil.
func (b *Backend) sendJSON(ctx context.Context, req request, in, out any) error {
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return storage.NewNodeError(req.op, req.id, err)
		}
		req.body = bytes.NewReader(data)
		req.contentType = "application/json"
	}
	resp, err := b.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return storage.NewNodeError(req.op, req.id, fmt.Errorf("%w: decode response: %v", storage.ErrTransport, err))
	}
	return nil
}

func (b *Backend) nodePath(id string, sub ...string) string {
	return protocol.NodePath(b.remoteName, id, sub...)
}

func (b *Backend) CreateRootNodeIfNotExists(ctx context.Context, name, pseudoClass string) (models.Node, error) {
	var n models.Node
	err := b.sendJSON(ctx, request{
		op:     "CreateRootNodeIfNotExists",
		method: http.MethodPut,
		path:   protocol.FileSystemPath(b.remoteName) + "/rootNode",
		query:  url.Values{"name": {name}, "pseudoClass": {pseudoClass}},
	}, nil, &n)
	return n, err
}

func (b *Backend) GetRootNode(ctx context.Context) (models.Node, error) {
	var n models.Node
	err := b.getJSON(ctx, "GetRootNode", "", protocol.FileSystemPath(b.remoteName)+"/rootNode", nil, &n)
	return n, err
}

func (b *Backend) CreateNode(ctx context.Context, parentID, name, pseudoClass string, attrs models.NodeAttributes) (models.Node, error) {
	// An empty name leaves no path segment to route on.
	if name == "" {
		return models.Node{}, storage.NewNodeError("CreateNode", parentID, fmt.Errorf("%w: empty node name", storage.ErrInvalidArgument))
	}
	var n models.Node
	err := b.sendJSON(ctx, request{
		op:     "CreateNode",
		id:     parentID,
		method: http.MethodPost,
		path:   b.nodePath(parentID, "children", name),
	}, protocol.CreateNodeRequest{
		PseudoClass:     pseudoClass,
		Description:     attrs.Description,
		Version:         attrs.Version,
		GenericMetadata: attrs.Metadata,
	}, &n)
	return n, err
}

func (b *Backend) GetNodeInfo(ctx context.Context, id string) (models.Node, error) {
	var n models.Node
	err := b.getJSON(ctx, "GetNodeInfo", id, b.nodePath(id), nil, &n)
	return n, err
}

func (b *Backend) GetChildNodes(ctx context.Context, id string) ([]models.Node, error) {
	var resp protocol.ChildNodesResponse
	if err := b.getJSON(ctx, "GetChildNodes", id, b.nodePath(id, "children"), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Nodes == nil {
		resp.Nodes = []models.Node{}
	}
	return resp.Nodes, nil
}

func (b *Backend) GetChildNode(ctx context.Context, id, name string) (models.Node, error) {
	if name == "" {
		return models.Node{}, storage.NewNodeError("GetChildNode", id, storage.ErrNotFound)
	}
	var n models.Node
	err := b.getJSON(ctx, "GetChildNode", id, b.nodePath(id, "children", name), nil, &n)
	return n, err
}

func (b *Backend) GetParentNode(ctx context.Context, id string) (models.Node, bool, error) {
	var resp protocol.ParentNodeResponse
	if err := b.getJSON(ctx, "GetParentNode", id, b.nodePath(id, "parent"), nil, &resp); err != nil {
		return models.Node{}, false, err
	}
	if !resp.Found || resp.Node == nil {
		return models.Node{}, false, nil
	}
	return *resp.Node, true, nil
}

func (b *Backend) putValue(ctx context.Context, op, id, sub, value string) error {
	return b.sendJSON(ctx, request{
		op:     op,
		id:     id,
		method: http.MethodPut,
		path:   b.nodePath(id, sub),
	}, protocol.ValueRequest{Value: value}, nil)
}

func (b *Backend) SetParent(ctx context.Context, id, newParentID string) error {
	return b.putValue(ctx, "SetParent", id, "parent", newParentID)
}

func (b *Backend) RenameNode(ctx context.Context, id, name string) error {
	return b.putValue(ctx, "RenameNode", id, "name", name)
}

func (b *Backend) SetDescription(ctx context.Context, id, description string) error {
	return b.putValue(ctx, "SetDescription", id, "description", description)
}

func (b *Backend) SetConsistent(ctx context.Context, id string) error {
	return b.sendJSON(ctx, request{
		op:     "SetConsistent",
		id:     id,
		method: http.MethodPut,
		path:   b.nodePath(id, "consistent"),
	}, nil, nil)
}

func (b *Backend) IsConsistent(ctx context.Context, id string) (bool, error) {
	var resp protocol.ConsistentResponse
	err := b.getJSON(ctx, "IsConsistent", id, b.nodePath(id, "consistent"), nil, &resp)
	return resp.Consistent, err
}

func (b *Backend) setMetadata(ctx context.Context, op, id string, kind models.MetadataKind, key string, value protocol.MetadataValueRequest) error {
	return b.sendJSON(ctx, request{
		op:     op,
		id:     id,
		method: http.MethodPut,
		path:   b.nodePath(id, "metadata", string(kind), key),
	}, value, nil)
}

func (b *Backend) SetStringMetadata(ctx context.Context, id, key, value string) error {
	return b.setMetadata(ctx, "SetStringMetadata", id, models.MetadataString, key, protocol.MetadataValueRequest{String: &value})
}

func (b *Backend) SetIntMetadata(ctx context.Context, id, key string, value int64) error {
	return b.setMetadata(ctx, "SetIntMetadata", id, models.MetadataInt, key, protocol.MetadataValueRequest{Int: &value})
}

func (b *Backend) SetDoubleMetadata(ctx context.Context, id, key string, value float64) error {
	return b.setMetadata(ctx, "SetDoubleMetadata", id, models.MetadataDouble, key, protocol.MetadataValueRequest{Double: &value})
}

func (b *Backend) SetBoolMetadata(ctx context.Context, id, key string, value bool) error {
	return b.setMetadata(ctx, "SetBoolMetadata", id, models.MetadataBool, key, protocol.MetadataValueRequest{Bool: &value})
}

func (b *Backend) GetMetadata(ctx context.Context, id string) (models.NodeGenericMetadata, error) {
	var md models.NodeGenericMetadata
	err := b.getJSON(ctx, "GetMetadata", id, b.nodePath(id, "metadata"), nil, &md)
	return md, err
}

func (b *Backend) DeleteNode(ctx context.Context, id string) (string, error) {
	var resp protocol.DeleteNodeResponse
	err := b.sendJSON(ctx, request{
		op:     "DeleteNode",
		id:     id,
		method: http.MethodDelete,
		path:   b.nodePath(id),
	}, nil, &resp)
	return resp.ParentID, err
}

// ReadBlob streams the blob body. The caller closes the reader.
func (b *Backend) ReadBlob(ctx context.Context, id, dataName string) (io.ReadCloser, error) {
	resp, err := b.do(ctx, request{
		op:         "ReadBlob",
		id:         id,
		method:     http.MethodGet,
		path:       b.nodePath(id, "data", dataName),
		idempotent: true,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (b *Backend) WriteBlob(ctx context.Context, id, dataName string, r io.Reader) error {
	resp, err := b.do(ctx, request{
		op:          "WriteBlob",
		id:          id,
		method:      http.MethodPut,
		path:        b.nodePath(id, "data", dataName),
		body:        r,
		contentType: "application/octet-stream",
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (b *Backend) RemoveData(ctx context.Context, id, dataName string) (bool, error) {
	var resp protocol.RemoveDataResponse
	err := b.sendJSON(ctx, request{
		op:     "RemoveData",
		id:     id,
		method: http.MethodDelete,
		path:   b.nodePath(id, "data", dataName),
	}, nil, &resp)
	return resp.Removed, err
}

func (b *Backend) DataNames(ctx context.Context, id string) ([]string, error) {
	var resp protocol.DataNamesResponse
	if err := b.getJSON(ctx, "DataNames", id, b.nodePath(id, "data"), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Names == nil {
		resp.Names = []string{}
	}
	return resp.Names, nil
}

// Blobs returns the server's detached blob storage for the remote file
// system, which accepts ids of nodes held by another backend.
func (b *Backend) Blobs() storage.DataStore {
	return &Blobs{b: b}
}

// Blobs reaches the blobs routes of the server. It shares the Backend's
// HTTP client and publishes no events.
type Blobs struct {
	b *Backend
}

func (s *Blobs) path(id string, sub ...string) string {
	return protocol.BlobPath(s.b.remoteName, id, sub...)
}

func (s *Blobs) ReadBlob(ctx context.Context, id, dataName string) (io.ReadCloser, error) {
	resp, err := s.b.do(ctx, request{
		op:         "ReadBlob",
		id:         id,
		method:     http.MethodGet,
		path:       s.path(id, dataName),
		idempotent: true,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *Blobs) WriteBlob(ctx context.Context, id, dataName string, r io.Reader) error {
	if dataName == "" {
		return storage.NewNodeError("WriteBlob", id, fmt.Errorf("%w: empty data name", storage.ErrInvalidArgument))
	}
	resp, err := s.b.do(ctx, request{
		op:          "WriteBlob",
		id:          id,
		method:      http.MethodPut,
		path:        s.path(id, dataName),
		body:        r,
		contentType: "application/octet-stream",
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (s *Blobs) RemoveData(ctx context.Context, id, dataName string) (bool, error) {
	var resp protocol.RemoveDataResponse
	err := s.b.sendJSON(ctx, request{
		op:     "RemoveData",
		id:     id,
		method: http.MethodDelete,
		path:   s.path(id, dataName),
	}, nil, &resp)
	return resp.Removed, err
}

func (s *Blobs) DataNames(ctx context.Context, id string) ([]string, error) {
	var resp protocol.DataNamesResponse
	if err := s.b.getJSON(ctx, "DataNames", id, s.path(id), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Names == nil {
		resp.Names = []string{}
	}
	return resp.Names, nil
}

// Close is a no-op; the Backend owns the connection.
func (s *Blobs) Close() error {
	return nil
}

// CheckFileSystem runs the consistency check on the server.
func (b *Backend) CheckFileSystem(ctx context.Context, opts models.FileSystemCheckOptions) ([]models.FileSystemCheckIssue, error) {
	var resp protocol.CheckResponse
	err := b.sendJSON(ctx, request{
		op:     "CheckFileSystem",
		method: http.MethodPost,
		path:   protocol.FileSystemPath(b.remoteName) + "/check",
	}, opts, &resp)
	return resp.Issues, err
}

// Close stops the event stream. No reconnection is attempted afterwards.
func (b *Backend) Close() error {
	if b.conn != nil {
		b.conn.Close()
		if s := b.conn.Session(); s != nil {
			s.Close()
		}
	}
	b.httpClient.CloseIdleConnections()
	return nil
}
