package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fruitsalade/appfs/internal/auth"
	"github.com/fruitsalade/appfs/internal/events"
	"github.com/fruitsalade/appfs/internal/storage"
	"github.com/fruitsalade/appfs/internal/storage/memory"
	"github.com/fruitsalade/appfs/pkg/models"
	"github.com/fruitsalade/appfs/pkg/protocol"
)

type testEnv struct {
	server  *httptest.Server
	backend *memory.Backend
	token   string
	auth    *auth.Auth
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	a, err := auth.New("test-secret")
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	token, err := a.Issue("tester", time.Hour, "cases")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	bus := events.NewBus()
	mem := memory.New("cases", bus)
	reg := storage.NewRegistry()
	reg.Register("cases", mem)
	reg.Register("private", memory.New("private", bus))

	srv := httptest.NewServer(NewServer(reg, bus, a, cfg).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, backend: mem, token: token, auth: a}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if b, ok := body.([]byte); ok {
		r = bytes.NewReader(b)
	} else if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	auth.SetBearer(req.Header, e.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, body)
	}
}

func TestHealthIsPublic(t *testing.T) {
	e := newTestEnv(t, Config{})
	resp, err := http.Get(e.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
}

func TestAuthentication(t *testing.T) {
	e := newTestEnv(t, Config{})
	path := protocol.FileSystemPath("cases") + "/rootNode"

	tests := []struct {
		name  string
		token string
		path  string
		want  int
		kind  string
	}{
		{"missing token", "", path, http.StatusUnauthorized, protocol.KindUnauthorized},
		{"invalid token", "garbage", path, http.StatusUnauthorized, protocol.KindUnauthorized},
		{"other file system", e.token, protocol.FileSystemPath("private") + "/rootNode", http.StatusForbidden, protocol.KindForbidden},
		{"granted", e.token, path, http.StatusNotFound, protocol.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, e.server.URL+tt.path, nil)
			auth.SetBearer(req.Header, tt.token)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()
			expectStatus(t, resp, tt.want)
			if got := decodeBody[protocol.ErrorResponse](t, resp); got.JavaException != tt.kind {
				t.Errorf("expected kind %s, got %+v", tt.kind, got)
			}
		})
	}
}

func TestListFileSystemsFiltersByClaims(t *testing.T) {
	e := newTestEnv(t, Config{})
	resp := e.do(t, http.MethodGet, protocol.APIPrefix+"/fileSystems", nil)
	expectStatus(t, resp, http.StatusOK)
	got := decodeBody[protocol.FileSystemsResponse](t, resp)
	if len(got.Names) != 1 || got.Names[0] != "cases" {
		t.Errorf("expected only the granted file system, got %v", got.Names)
	}
}

func TestNodeLifecycle(t *testing.T) {
	e := newTestEnv(t, Config{})

	resp := e.do(t, http.MethodPut, protocol.FileSystemPath("cases")+"/rootNode?name=root", nil)
	expectStatus(t, resp, http.StatusOK)
	root := decodeBody[models.Node](t, resp)

	md := models.NewNodeGenericMetadata()
	md.SetString("unit", "MW")
	resp = e.do(t, http.MethodPost, protocol.NodePath("cases", root.ID, "children", "study case")+"?version=2", protocol.CreateNodeRequest{
		PseudoClass:     "case",
		Description:     "winter peak",
		GenericMetadata: md,
	})
	expectStatus(t, resp, http.StatusCreated)
	n := decodeBody[models.Node](t, resp)
	if n.Name != "study case" || n.Version != 2 || n.PseudoClass != "case" {
		t.Fatalf("unexpected node %+v", n)
	}

	resp = e.do(t, http.MethodGet, protocol.NodePath("cases", root.ID, "children"), nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decodeBody[protocol.ChildNodesResponse](t, resp); len(got.Nodes) != 1 || got.Nodes[0].ID != n.ID {
		t.Errorf("unexpected children %+v", got)
	}

	resp = e.do(t, http.MethodPut, protocol.NodePath("cases", n.ID, "name"), protocol.ValueRequest{Value: "renamed"})
	expectStatus(t, resp, http.StatusNoContent)

	value := int64(7)
	resp = e.do(t, http.MethodPut, protocol.NodePath("cases", n.ID, "metadata", "long", "points"), protocol.MetadataValueRequest{Int: &value})
	expectStatus(t, resp, http.StatusNoContent)

	resp = e.do(t, http.MethodGet, protocol.NodePath("cases", n.ID, "metadata"), nil)
	expectStatus(t, resp, http.StatusOK)
	got := decodeBody[models.NodeGenericMetadata](t, resp)
	if got.Strings["unit"] != "MW" || got.Ints["points"] != 7 {
		t.Errorf("unexpected metadata %+v", got)
	}

	resp = e.do(t, http.MethodPut, protocol.NodePath("cases", n.ID, "consistent"), nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp = e.do(t, http.MethodGet, protocol.NodePath("cases", n.ID, "consistent"), nil)
	if c := decodeBody[protocol.ConsistentResponse](t, resp); !c.Consistent {
		t.Error("expected consistent node")
	}

	resp = e.do(t, http.MethodGet, protocol.NodePath("cases", n.ID, "parent"), nil)
	if p := decodeBody[protocol.ParentNodeResponse](t, resp); !p.Found || p.Node.ID != root.ID {
		t.Errorf("unexpected parent %+v", p)
	}

	resp = e.do(t, http.MethodDelete, protocol.NodePath("cases", n.ID), nil)
	expectStatus(t, resp, http.StatusOK)
	if d := decodeBody[protocol.DeleteNodeResponse](t, resp); d.ParentID != root.ID {
		t.Errorf("expected parent id %s, got %s", root.ID, d.ParentID)
	}
}

func TestErrorStatuses(t *testing.T) {
	e := newTestEnv(t, Config{})
	ctx := t.Context()
	root, _ := e.backend.CreateRootNodeIfNotExists(ctx, "root", "")
	a, _ := e.backend.CreateNode(ctx, root.ID, "a", "", models.NodeAttributes{})
	e.backend.CreateNode(ctx, root.ID, "b", "", models.NodeAttributes{})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   string
	}{
		{"unknown node", http.MethodGet, protocol.NodePath("cases", "missing"), nil, http.StatusNotFound, protocol.KindNotFound},
		{"duplicate name", http.MethodPut, protocol.NodePath("cases", a.ID, "name"), protocol.ValueRequest{Value: "b"}, http.StatusConflict, protocol.KindConflict},
		{"cycle", http.MethodPut, protocol.NodePath("cases", a.ID, "parent"), protocol.ValueRequest{Value: a.ID}, http.StatusConflict, protocol.KindCycle},
		{"root deletion", http.MethodDelete, protocol.NodePath("cases", root.ID), nil, http.StatusNotFound, protocol.KindNotFound},
		{"bad metadata kind", http.MethodPut, protocol.NodePath("cases", a.ID, "metadata", "blob", "k"), protocol.MetadataValueRequest{}, http.StatusUnprocessableEntity, protocol.KindInvalidArgument},
		{"missing metadata value", http.MethodPut, protocol.NodePath("cases", a.ID, "metadata", "string", "k"), protocol.MetadataValueRequest{}, http.StatusUnprocessableEntity, protocol.KindInvalidArgument},
		{"bad body", http.MethodPut, protocol.NodePath("cases", a.ID, "name"), []byte("{"), http.StatusUnprocessableEntity, protocol.KindInvalidArgument},
		{"bad version", http.MethodPost, protocol.NodePath("cases", root.ID, "children", "c") + "?version=x", nil, http.StatusUnprocessableEntity, protocol.KindInvalidArgument},
		{"root without name", http.MethodPut, protocol.FileSystemPath("cases") + "/rootNode", nil, http.StatusUnprocessableEntity, protocol.KindInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.do(t, tt.method, tt.path, tt.body)
			expectStatus(t, resp, tt.status)
			got := decodeBody[protocol.ErrorResponse](t, resp)
			if got.JavaException != tt.kind || got.Message == "" {
				t.Errorf("expected kind %s, got %+v", tt.kind, got)
			}
			if got.RequestID == "" || got.RequestID != resp.Header.Get("X-Request-ID") {
				t.Errorf("expected request id %q in body, got %q", resp.Header.Get("X-Request-ID"), got.RequestID)
			}
		})
	}
}

func TestUnregisteredFileSystem(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.token, _ = e.auth.Issue("admin", time.Hour)
	resp := e.do(t, http.MethodGet, protocol.FileSystemPath("nope")+"/rootNode", nil)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestBlobs(t *testing.T) {
	e := newTestEnv(t, Config{MaxBlobSize: 8})
	ctx := t.Context()
	root, _ := e.backend.CreateRootNodeIfNotExists(ctx, "root", "")
	n, _ := e.backend.CreateNode(ctx, root.ID, "network", "", models.NodeAttributes{})

	resp := e.do(t, http.MethodPut, protocol.NodePath("cases", n.ID, "data", "iidm"), []byte("payload"))
	expectStatus(t, resp, http.StatusNoContent)

	resp = e.do(t, http.MethodGet, protocol.NodePath("cases", n.ID, "data", "iidm"), nil)
	expectStatus(t, resp, http.StatusOK)
	if body, _ := io.ReadAll(resp.Body); string(body) != "payload" {
		t.Errorf("expected payload, got %q", body)
	}

	resp = e.do(t, http.MethodGet, protocol.NodePath("cases", n.ID, "data"), nil)
	if names := decodeBody[protocol.DataNamesResponse](t, resp); len(names.Names) != 1 || names.Names[0] != "iidm" {
		t.Errorf("unexpected names %+v", names)
	}

	resp = e.do(t, http.MethodPut, protocol.NodePath("cases", n.ID, "data", "big"), []byte("more than eight bytes"))
	expectStatus(t, resp, http.StatusUnprocessableEntity)

	resp = e.do(t, http.MethodDelete, protocol.NodePath("cases", n.ID, "data", "iidm"), nil)
	if r := decodeBody[protocol.RemoveDataResponse](t, resp); !r.Removed {
		t.Error("expected removal")
	}
	resp = e.do(t, http.MethodGet, protocol.NodePath("cases", n.ID, "data", "iidm"), nil)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestDetachedBlobs(t *testing.T) {
	e := newTestEnv(t, Config{})

	resp := e.do(t, http.MethodPut, protocol.BlobPath("cases", "held-elsewhere", "iidm"), []byte("payload"))
	expectStatus(t, resp, http.StatusNoContent)

	resp = e.do(t, http.MethodGet, protocol.BlobPath("cases", "held-elsewhere", "iidm"), nil)
	expectStatus(t, resp, http.StatusOK)
	if body, _ := io.ReadAll(resp.Body); string(body) != "payload" {
		t.Errorf("expected payload, got %q", body)
	}

	resp = e.do(t, http.MethodGet, protocol.BlobPath("cases", "held-elsewhere"), nil)
	if names := decodeBody[protocol.DataNamesResponse](t, resp); len(names.Names) != 1 || names.Names[0] != "iidm" {
		t.Errorf("unexpected names %+v", names)
	}

	// The node routes still require the node to exist in the tree.
	resp = e.do(t, http.MethodGet, protocol.NodePath("cases", "held-elsewhere", "data", "iidm"), nil)
	expectStatus(t, resp, http.StatusNotFound)

	resp = e.do(t, http.MethodDelete, protocol.BlobPath("cases", "held-elsewhere", "iidm"), nil)
	if r := decodeBody[protocol.RemoveDataResponse](t, resp); !r.Removed {
		t.Error("expected removal")
	}
}

func TestCheckEndpoint(t *testing.T) {
	e := newTestEnv(t, Config{})
	ctx := t.Context()
	root, _ := e.backend.CreateRootNodeIfNotExists(ctx, "root", "")
	stale, _ := e.backend.CreateNode(ctx, root.ID, "stale", "", models.NodeAttributes{})

	opts := models.NewCheckOptionsBuilder().SetInconsistentNodesExpirationTime(time.Now().Add(time.Hour)).Build()
	resp := e.do(t, http.MethodPost, protocol.FileSystemPath("cases")+"/check", opts)
	expectStatus(t, resp, http.StatusOK)
	got := decodeBody[protocol.CheckResponse](t, resp)
	if len(got.Issues) != 1 || got.Issues[0].NodeID != stale.ID || got.Issues[0].Repaired {
		t.Errorf("unexpected issues %+v", got.Issues)
	}
}

func TestEventStream(t *testing.T) {
	e := newTestEnv(t, Config{})
	ctx := t.Context()
	root, _ := e.backend.CreateRootNodeIfNotExists(ctx, "root", "")

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + protocol.EventsPath("cases") + "?topic=" + models.TopicNode
	header := http.Header{}
	auth.SetBearer(header, e.token)
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	n, err := e.backend.CreateNode(ctx, root.ID, "n", "", models.NodeAttributes{})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var c models.NodeEventContainer
	if err := ws.ReadJSON(&c); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if c.FileSystemName != "cases" || c.Event != (models.NodeCreated{ID: n.ID, ParentID: root.ID}) {
		t.Errorf("unexpected event %+v", c)
	}
}

func TestEventStreamRequiresToken(t *testing.T) {
	e := newTestEnv(t, Config{})
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + protocol.EventsPath("cases")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", resp)
	}
}
