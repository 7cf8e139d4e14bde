package manifest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"a/b/c.txt", "/a/b/c.txt", true},
		{"/a/b/c.txt", "/a/b/c.txt", true},
		{`a\b\c.txt`, "/a/b/c.txt", true},
		{"//a///b/", "/a/b", true},
		{"  src/main.go ", "/src/main.go", true},
		{"a/../b", "", false},
		{"./a", "", false},
		{"..", "", false},
		{"", "", false},
		{"   ", "", false},
		{"///", "", false},
	}
	for _, tc := range cases {
		got, ok := NormalizePath(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func parseJSON(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestExtractFilesBothShapes(t *testing.T) {
	flat := parseJSON(t, `{"files":[{"path":"a.txt"},{"path":"b/c.txt"}]}`)
	files := ExtractFiles(flat)
	require.Len(t, files, 2)

	nested := parseJSON(t, `{"nodes":[
		{"type":"folder","name":"b","path":"/b","children":[
			{"type":"file","name":"c.txt","path":"/b/c.txt"}
		]},
		{"type":"file","name":"a.txt","path":"/a.txt"}
	]}`)
	files = ExtractFiles(nested)
	require.Len(t, files, 2)
}

func TestBuildNodesTreeOrdering(t *testing.T) {
	m := parseJSON(t, `{"files":[
		{"path":"zebra.txt","mimeType":"text/plain"},
		{"path":"src/main.go","key":"sessions/s1/files/src/main.go","size":120,"sha256":"abc"},
		{"path":"src/util.go"},
		{"path":"Apple.md"}
	]}`)

	nodes := BuildNodes(m)
	require.Len(t, nodes, 3)

	// folders first, then files by lowercased name
	assert.Equal(t, "src", nodes[0].Name)
	assert.Equal(t, "folder", nodes[0].Type)
	assert.Equal(t, "Apple.md", nodes[1].Name)
	assert.Equal(t, "zebra.txt", nodes[2].Name)

	require.Len(t, nodes[0].Children, 2)
	assert.Equal(t, "/src/main.go", nodes[0].Children[0].Path)
	require.NotNil(t, nodes[0].Children[0].OSSMeta)
	assert.Equal(t, "sessions/s1/files/src/main.go", nodes[0].Children[0].OSSMeta["key"])
	assert.Nil(t, nodes[1].OSSMeta)
}

func TestBuildNodesDropsTraversalPaths(t *testing.T) {
	m := parseJSON(t, `{"files":[
		{"path":"../etc/passwd"},
		{"path":"ok.txt"}
	]}`)
	nodes := BuildNodes(m)
	require.Len(t, nodes, 1)
	assert.Equal(t, "/ok.txt", nodes[0].Path)
}

func TestBuildNodesPassthrough(t *testing.T) {
	m := parseJSON(t, `{"nodes":[
		{"type":"folder","name":"a","path":"/a","children":[
			{"type":"file","name":"f.txt","path":"/a/f.txt","mime_type":"text/plain"}
		]}
	]}`)
	nodes := BuildNodes(m)
	require.Len(t, nodes, 1)
	require.Len(t, nodes[0].Children, 1)
	assert.Equal(t, "text/plain", nodes[0].Children[0].MimeType)
	assert.Equal(t, "/a/f.txt", nodes[0].Children[0].ID)
}

func TestFindFile(t *testing.T) {
	m := parseJSON(t, `{"files":[{"path":"/a/b.txt","key":"k1"}]}`)

	item, ok := FindFile(m, "a/b.txt")
	require.True(t, ok)
	assert.Equal(t, "k1", item["key"])

	_, ok = FindFile(m, "/missing.txt")
	assert.False(t, ok)

	_, ok = FindFile(m, "../a/b.txt")
	assert.False(t, ok)
}

func TestAttachURLs(t *testing.T) {
	m := parseJSON(t, `{"files":[{"path":"a/b.txt"},{"path":"c.txt"}]}`)
	nodes := BuildNodes(m)

	AttachURLs(nodes, func(path string, meta map[string]any) string {
		if path == "/c.txt" {
			return ""
		}
		return "https://files.example" + path
	})

	require.Equal(t, "folder", nodes[0].Type)
	assert.Equal(t, "https://files.example/a/b.txt", nodes[0].Children[0].URL)
	assert.Empty(t, nodes[1].URL)
}
