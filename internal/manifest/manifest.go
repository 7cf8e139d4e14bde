// Package manifest parses and shapes workspace export manifests.
//
// A manifest arrives either flat ({"files": [...]}) or pre-built
// ({"nodes": [...]}); both shapes flow through here on their way to the
// file browser. Paths are normalized to "/a/b/c" form and anything with
// dot segments is dropped rather than resolved.
package manifest

import (
	"sort"
	"strings"
)

// Node is one entry in the workspace file tree.
type Node struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"` // "file" or "folder"
	Path      string         `json:"path"`
	MimeType  string         `json:"mimeType,omitempty"`
	OSSStatus string         `json:"oss_status,omitempty"`
	OSSMeta   map[string]any `json:"oss_meta,omitempty"`
	URL       string         `json:"url,omitempty"`
	Children  []*Node        `json:"children,omitempty"`
}

// NormalizePath canonicalizes a manifest path to "/a/b/c" form.
// Backslashes become slashes, empty segments collapse, and any path
// containing "." or ".." segments is rejected.
func NormalizePath(path string) (string, bool) {
	normalized := strings.TrimSpace(strings.ReplaceAll(path, `\`, "/"))
	if normalized == "" {
		return "", false
	}
	var parts []string
	for _, part := range strings.Split(normalized, "/") {
		if part == "" {
			continue
		}
		if part == "." || part == ".." {
			return "", false
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return "", false
	}
	return "/" + strings.Join(parts, "/"), true
}

// ExtractFiles returns the flat file entries of a manifest, whichever
// shape it arrived in.
func ExtractFiles(manifest any) []map[string]any {
	switch m := manifest.(type) {
	case map[string]any:
		if files, ok := m["files"].([]any); ok {
			return onlyMaps(files)
		}
		if nodes, ok := m["nodes"].([]any); ok {
			return flattenNodes(nodes)
		}
	case []any:
		return onlyMaps(m)
	}
	return nil
}

func onlyMaps(items []any) []map[string]any {
	var out []map[string]any
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func flattenNodes(nodes []any) []map[string]any {
	var files []map[string]any
	var visit func(items []any)
	visit = func(items []any) {
		for _, item := range items {
			node, ok := item.(map[string]any)
			if !ok {
				continue
			}
			switch node["type"] {
			case "file":
				files = append(files, node)
			case "folder":
				if children, ok := node["children"].([]any); ok {
					visit(children)
				}
			}
		}
	}
	visit(nodes)
	return files
}

// FindFile returns the manifest entry matching path, if any.
func FindFile(manifest any, path string) (map[string]any, bool) {
	normalized, ok := NormalizePath(path)
	if !ok {
		return nil, false
	}
	for _, item := range ExtractFiles(manifest) {
		itemPath, _ := item["path"].(string)
		if p, ok := NormalizePath(itemPath); ok && p == normalized {
			return item, true
		}
	}
	return nil, false
}

// BuildNodes shapes a manifest into a sorted file tree. A manifest that
// already carries nodes is passed through untouched.
func BuildNodes(manifest any) []*Node {
	if m, ok := manifest.(map[string]any); ok {
		if rawNodes, ok := m["nodes"].([]any); ok {
			return decodeNodes(rawNodes)
		}
	}
	return buildTreeFromFiles(ExtractFiles(manifest))
}

// AttachURLs walks a tree and sets URL on file nodes using urlFor.
// urlFor returning "" leaves the node without a URL.
func AttachURLs(nodes []*Node, urlFor func(path string, meta map[string]any) string) {
	for _, node := range nodes {
		if node.Type == "file" && node.Path != "" {
			node.URL = urlFor(node.Path, node.OSSMeta)
		}
		if len(node.Children) > 0 {
			AttachURLs(node.Children, urlFor)
		}
	}
}

// decodeNodes converts raw pre-built nodes into typed Nodes, recursing
// through children.
func decodeNodes(raw []any) []*Node {
	var nodes []*Node
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		node := &Node{
			ID:        stringField(m, "id"),
			Name:      stringField(m, "name"),
			Type:      stringField(m, "type"),
			Path:      stringField(m, "path"),
			MimeType:  firstString(m, "mimeType", "mime_type"),
			OSSStatus: firstString(m, "oss_status", "ossStatus"),
		}
		if node.ID == "" {
			node.ID = node.Path
		}
		if meta, ok := m["oss_meta"].(map[string]any); ok {
			node.OSSMeta = meta
		} else if meta, ok := m["ossMeta"].(map[string]any); ok {
			node.OSSMeta = meta
		}
		if children, ok := m["children"].([]any); ok {
			node.Children = decodeNodes(children)
		}
		nodes = append(nodes, node)
	}
	return nodes
}

type treeEntry struct {
	node     *Node
	children map[string]*treeEntry
}

func buildTreeFromFiles(files []map[string]any) []*Node {
	root := map[string]*treeEntry{}

	for _, item := range files {
		rawPath, _ := item["path"].(string)
		normalized, ok := NormalizePath(rawPath)
		if !ok {
			continue
		}
		parts := strings.Split(strings.Trim(normalized, "/"), "/")

		current := root
		for i, part := range parts {
			last := i == len(parts)-1
			if last {
				current[part] = &treeEntry{node: &Node{
					ID:        normalized,
					Name:      part,
					Type:      "file",
					Path:      normalized,
					MimeType:  firstString(item, "mimeType", "mime_type"),
					OSSStatus: firstString(item, "status", "oss_status"),
					OSSMeta:   buildOSSMeta(item),
				}}
				continue
			}
			entry, ok := current[part]
			if !ok || entry.node.Type != "folder" {
				folderPath := "/" + strings.Join(parts[:i+1], "/")
				entry = &treeEntry{
					node:     &Node{ID: folderPath, Name: part, Type: "folder", Path: folderPath},
					children: map[string]*treeEntry{},
				}
				current[part] = entry
			}
			current = entry.children
		}
	}

	return treeToNodes(root)
}

// buildOSSMeta picks the storage metadata keys from a manifest entry.
func buildOSSMeta(item map[string]any) map[string]any {
	meta := map[string]any{}
	for _, key := range []string{"key", "etag", "size", "last_modified", "sha256", "md5"} {
		if v, ok := item[key]; ok && v != nil {
			meta[key] = v
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// treeToNodes flattens a level of the tree, folders first, then by
// lowercased name.
func treeToNodes(entries map[string]*treeEntry) []*Node {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := entries[names[i]], entries[names[j]]
		aFolder := a.node.Type == "folder"
		bFolder := b.node.Type == "folder"
		if aFolder != bFolder {
			return aFolder
		}
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})

	nodes := make([]*Node, 0, len(names))
	for _, name := range names {
		entry := entries[name]
		if entry.node.Type == "folder" {
			entry.node.Children = treeToNodes(entry.children)
		}
		nodes = append(nodes, entry.node)
	}
	return nodes
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, _ := m[key].(string); s != "" {
			return s
		}
	}
	return ""
}
