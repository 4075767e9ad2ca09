package models

import (
	"encoding/json"
	"fmt"
)

// Event type names used as the wire discriminant.
const (
	TypeNodeCreated        = "NODE_CREATED"
	TypeNodeConsistent     = "NODE_CONSISTENT"
	TypeNodeRemoved        = "NODE_REMOVED"
	TypeNodeNameUpdated    = "NODE_NAME_UPDATED"
	TypeNodeDataUpdated    = "NODE_DATA_UPDATED"
	TypeNodeDataRemoved    = "NODE_DATA_REMOVED"
	TypeParentChanged      = "PARENT_CHANGED"
	TypeTimeSeriesCleared  = "TIME_SERIES_CLEARED"
	TypeScriptModified     = "SCRIPT_MODIFIED"
	TypeVirtualCaseCreated = "VIRTUAL_CASE_CREATED"
)

// Topics used to scope event delivery within a file system.
const (
	TopicNode   = "APPSTORAGE_NODE"
	TopicScript = "SCRIPT"
	TopicCase   = "CASE"
)

// NodeEvent is the closed set of node change notifications. Every variant is
// a comparable value type, so == and map keys follow the semantic fields.
type NodeEvent interface {
	TypeName() string
	NodeID() string
	isNodeEvent()
}

type NodeCreated struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId,omitempty"`
}

type NodeConsistent struct {
	ID string `json:"id"`
}

type NodeRemoved struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId,omitempty"`
}

type NodeNameUpdated struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type NodeDataUpdated struct {
	ID       string `json:"id"`
	DataName string `json:"dataName"`
}

type NodeDataRemoved struct {
	ID       string `json:"id"`
	DataName string `json:"dataName"`
}

type ParentChanged struct {
	ID          string `json:"id"`
	OldParentID string `json:"oldParentId"`
	NewParentID string `json:"newParentId"`
}

type TimeSeriesCleared struct {
	ID string `json:"id"`
}

// ScriptModified is emitted when the content of a script node changes.
type ScriptModified struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId,omitempty"`
	Path     string `json:"path"`
}

// VirtualCaseCreated is emitted when a derived case node is materialized.
type VirtualCaseCreated struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId,omitempty"`
	Path     string `json:"path"`
}

func (NodeCreated) TypeName() string        { return TypeNodeCreated }
func (NodeConsistent) TypeName() string     { return TypeNodeConsistent }
func (NodeRemoved) TypeName() string        { return TypeNodeRemoved }
func (NodeNameUpdated) TypeName() string    { return TypeNodeNameUpdated }
func (NodeDataUpdated) TypeName() string    { return TypeNodeDataUpdated }
func (NodeDataRemoved) TypeName() string    { return TypeNodeDataRemoved }
func (ParentChanged) TypeName() string      { return TypeParentChanged }
func (TimeSeriesCleared) TypeName() string  { return TypeTimeSeriesCleared }
func (ScriptModified) TypeName() string     { return TypeScriptModified }
func (VirtualCaseCreated) TypeName() string { return TypeVirtualCaseCreated }

func (e NodeCreated) NodeID() string        { return e.ID }
func (e NodeConsistent) NodeID() string     { return e.ID }
func (e NodeRemoved) NodeID() string        { return e.ID }
func (e NodeNameUpdated) NodeID() string    { return e.ID }
func (e NodeDataUpdated) NodeID() string    { return e.ID }
func (e NodeDataRemoved) NodeID() string    { return e.ID }
func (e ParentChanged) NodeID() string      { return e.ID }
func (e TimeSeriesCleared) NodeID() string  { return e.ID }
func (e ScriptModified) NodeID() string     { return e.ID }
func (e VirtualCaseCreated) NodeID() string { return e.ID }

func (NodeCreated) isNodeEvent()        {}
func (NodeConsistent) isNodeEvent()     {}
func (NodeRemoved) isNodeEvent()        {}
func (NodeNameUpdated) isNodeEvent()    {}
func (NodeDataUpdated) isNodeEvent()    {}
func (NodeDataRemoved) isNodeEvent()    {}
func (ParentChanged) isNodeEvent()      {}
func (TimeSeriesCleared) isNodeEvent()  {}
func (ScriptModified) isNodeEvent()     {}
func (VirtualCaseCreated) isNodeEvent() {}

var eventDecoders = map[string]func([]byte) (NodeEvent, error){
	TypeNodeCreated:        decodeAs[NodeCreated],
	TypeNodeConsistent:     decodeAs[NodeConsistent],
	TypeNodeRemoved:        decodeAs[NodeRemoved],
	TypeNodeNameUpdated:    decodeAs[NodeNameUpdated],
	TypeNodeDataUpdated:    decodeAs[NodeDataUpdated],
	TypeNodeDataRemoved:    decodeAs[NodeDataRemoved],
	TypeParentChanged:      decodeAs[ParentChanged],
	TypeTimeSeriesCleared:  decodeAs[TimeSeriesCleared],
	TypeScriptModified:     decodeAs[ScriptModified],
	TypeVirtualCaseCreated: decodeAs[VirtualCaseCreated],
}

func decodeAs[T NodeEvent](data []byte) (NodeEvent, error) {
	var e T
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return e, nil
}

// MarshalEvent encodes an event as a JSON object whose "type" field holds
// the variant's type name.
func MarshalEvent(e NodeEvent) ([]byte, error) {
	if e == nil {
		return []byte("null"), nil
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	typeName, _ := json.Marshal(e.TypeName())
	fields["type"] = typeName
	return json.Marshal(fields)
}

// UnmarshalEvent decodes an event, dispatching on its "type" field.
func UnmarshalEvent(data []byte) (NodeEvent, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	decode, ok := eventDecoders[head.Type]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", head.Type)
	}
	return decode(data)
}

// NodeEventContainer routes an event to a file system and topic. Every
// field is optional.
type NodeEventContainer struct {
	FileSystemName string
	Topic          string
	ProjectID      string
	Event          NodeEvent
}

type containerJSON struct {
	FileSystemName string          `json:"fileSystemName,omitempty"`
	Topic          string          `json:"topic,omitempty"`
	ProjectID      string          `json:"projectId,omitempty"`
	Event          json.RawMessage `json:"event,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c NodeEventContainer) MarshalJSON() ([]byte, error) {
	out := containerJSON{
		FileSystemName: c.FileSystemName,
		Topic:          c.Topic,
		ProjectID:      c.ProjectID,
	}
	if c.Event != nil {
		ev, err := MarshalEvent(c.Event)
		if err != nil {
			return nil, err
		}
		out.Event = ev
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *NodeEventContainer) UnmarshalJSON(data []byte) error {
	var in containerJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	c.FileSystemName = in.FileSystemName
	c.Topic = in.Topic
	c.ProjectID = in.ProjectID
	c.Event = nil
	if len(in.Event) > 0 && string(in.Event) != "null" {
		ev, err := UnmarshalEvent(in.Event)
		if err != nil {
			return err
		}
		c.Event = ev
	}
	return nil
}

// String renders the container for log output.
func (c NodeEventContainer) String() string {
	typeName := "<none>"
	if c.Event != nil {
		typeName = c.Event.TypeName()
	}
	return fmt.Sprintf("%s/%s:%s", c.FileSystemName, c.Topic, typeName)
}
