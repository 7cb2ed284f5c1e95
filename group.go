package zarr

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Group is a node whose members are the arrays and groups stored below it.
type Group struct {
	store      Store
	path       string
	Attributes map[string]any
}

// Member is a direct child of a group.
type Member struct {
	Name     string
	NodeType string
}

type groupDocument struct {
	ZarrFormat int            `json:"zarr_format"`
	NodeType   string         `json:"node_type"`
	Attributes map[string]any `json:"attributes"`
}

var knownGroupFields = map[string]bool{
	"zarr_format": true, "node_type": true, "attributes": true,
}

// CreateGroup writes a group metadata document at path.
func CreateGroup(ctx context.Context, store Store, path string, attributes map[string]any) (*Group, error) {
	if attributes == nil {
		attributes = map[string]any{}
	}
	doc, err := json.MarshalIndent(groupDocument{ZarrFormat: 3, NodeType: NodeTypeGroup, Attributes: attributes}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode group metadata: %w", err)
	}
	path = strings.Trim(path, "/")
	if err := store.Put(ctx, joinKey(path, MetadataKey), doc); err != nil {
		return nil, fmt.Errorf("failed to write group metadata: %w", err)
	}
	return &Group{store: store, path: path, Attributes: attributes}, nil
}

// OpenGroup reads the group metadata document at path.
func OpenGroup(ctx context.Context, store Store, path string) (*Group, error) {
	path = strings.Trim(path, "/")
	data, err := store.Get(ctx, joinKey(path, MetadataKey))
	if err != nil {
		return nil, fmt.Errorf("failed to read group metadata: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, wrapFormatError(err, "malformed group document")
	}
	if err := checkExtensionFields(fields, knownGroupFields); err != nil {
		return nil, err
	}
	var doc groupDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, wrapFormatError(err, "malformed group document")
	}
	if doc.ZarrFormat != 3 {
		return nil, NewFormatError("unsupported zarr_format %d, expected 3", doc.ZarrFormat)
	}
	if doc.NodeType != NodeTypeGroup {
		return nil, NewFormatError("node_type is %q, expected %q", doc.NodeType, NodeTypeGroup)
	}
	if doc.Attributes == nil {
		doc.Attributes = map[string]any{}
	}
	return &Group{store: store, path: path, Attributes: doc.Attributes}, nil
}

// Path returns the group path inside its store.
func (g *Group) Path() string {
	return g.path
}

// Members lists the direct children that carry a metadata document,
// sorted by name.
func (g *Group) Members(ctx context.Context) ([]Member, error) {
	prefix := joinKey(g.path, "")
	keys, err := g.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var members []Member
	for _, key := range keys {
		name, doc, ok := strings.Cut(strings.TrimPrefix(key, prefix), "/")
		if !ok || name == "" || (doc != MetadataKey && doc != V2MetadataKey) {
			continue
		}
		nodeType, err := g.memberType(ctx, key, doc)
		if err != nil {
			return nil, err
		}
		members = append(members, Member{Name: name, NodeType: nodeType})
	}
	slices.SortFunc(members, func(a, b Member) int { return strings.Compare(a.Name, b.Name) })
	return members, nil
}

func (g *Group) memberType(ctx context.Context, key, doc string) (string, error) {
	if doc == V2MetadataKey {
		return NodeTypeArray, nil
	}
	data, err := g.store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	var head struct {
		NodeType string `json:"node_type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", wrapFormatError(err, "malformed metadata document %s", key)
	}
	return head.NodeType, nil
}

// CreateArray creates an array named name below the group.
func (g *Group) CreateArray(ctx context.Context, name string, meta *ArrayMetadata, opts ...ArrayOption) (*Array, error) {
	return CreateArray(ctx, g.store, joinKey(g.path, name), meta, opts...)
}

// OpenArray opens the array named name below the group.
func (g *Group) OpenArray(ctx context.Context, name string, opts ...ArrayOption) (*Array, error) {
	return OpenArray(ctx, g.store, joinKey(g.path, name), opts...)
}

// CreateGroup creates a child group.
func (g *Group) CreateGroup(ctx context.Context, name string, attributes map[string]any) (*Group, error) {
	return CreateGroup(ctx, g.store, joinKey(g.path, name), attributes)
}

// OpenGroup opens a child group.
func (g *Group) OpenGroup(ctx context.Context, name string) (*Group, error) {
	return OpenGroup(ctx, g.store, joinKey(g.path, name))
}
