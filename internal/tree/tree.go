// Package tree projects a flat list of object keys into a folder hierarchy.
package tree

import (
	"encoding/json"
	"strings"
)

// Entry is one listed object: its key and an optional access URL.
type Entry struct {
	Key string `json:"key"`
	URL string `json:"url,omitempty"`
}

// Node is a folder or a file. Path is the slash-joined path of the node
// itself, so "a/c" for folder c inside a.
type Node struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	IsFile   bool    `json:"isFile"`
	URL      string  `json:"url,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

// MarshalJSON writes children for every folder, as [] when it is empty, and
// never for a file.
func (n Node) MarshalJSON() ([]byte, error) {
	type plain Node
	if n.IsFile {
		return json.Marshal(struct {
			plain
			Children []*Node `json:"children,omitempty"`
		}{plain: plain(n)})
	}
	children := n.Children
	if children == nil {
		children = []*Node{}
	}
	return json.Marshal(struct {
		plain
		Children []*Node `json:"children"`
	}{plain: plain(n), Children: children})
}

func splitKey(key string) []string {
	parts := strings.Split(key, "/")
	segments := parts[:0]
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}

// Build turns entries into root nodes. Children keep first-seen order, so the
// same input always yields the same tree.
//
// A key ending in "/" is a folder marker and only creates folders. When a
// path is needed both as a file and as a folder, the first use wins and the
// later key is left out of the tree and returned in conflicts. Repeated keys
// keep the first entry.
func Build(entries []Entry) (roots []*Node, conflicts []string) {
	roots = []*Node{}
	byPath := make(map[string]*Node)

	for _, e := range entries {
		segments := splitKey(e.Key)
		if len(segments) == 0 {
			continue
		}
		marker := strings.HasSuffix(e.Key, "/")

		if !fits(byPath, segments, marker) {
			conflicts = append(conflicts, e.Key)
			continue
		}

		siblings := &roots
		for i, name := range segments {
			path := strings.Join(segments[:i+1], "/")
			if node, ok := byPath[path]; ok {
				siblings = &node.Children
				continue
			}

			isFile := i == len(segments)-1 && !marker
			node := &Node{Name: name, Path: path, IsFile: isFile}
			if isFile {
				node.URL = e.URL
			}
			byPath[path] = node
			*siblings = append(*siblings, node)
			siblings = &node.Children
		}
	}

	return roots, conflicts
}

// fits reports whether the key can be placed without turning an existing
// file into a folder or the reverse.
func fits(byPath map[string]*Node, segments []string, marker bool) bool {
	for i := range segments {
		node, ok := byPath[strings.Join(segments[:i+1], "/")]
		if !ok {
			return true
		}
		wantFile := i == len(segments)-1 && !marker
		if node.IsFile != wantFile {
			return false
		}
	}
	return true
}

// FindByPath returns the node at path, or nil.
func FindByPath(roots []*Node, path string) *Node {
	segments := splitKey(path)
	if len(segments) == 0 {
		return nil
	}

	level := roots
	var found *Node
	for _, name := range segments {
		found = nil
		for _, n := range level {
			if n.Name == name {
				found = n
				break
			}
		}
		if found == nil {
			return nil
		}
		level = found.Children
	}
	return found
}

// FolderContents returns the children of the folder at path. An empty path
// yields the roots. ok is false when path is missing or names a file.
func FolderContents(roots []*Node, path string) (nodes []*Node, ok bool) {
	if len(splitKey(path)) == 0 {
		return roots, true
	}
	node := FindByPath(roots, path)
	if node == nil || node.IsFile {
		return nil, false
	}
	if node.Children == nil {
		return []*Node{}, true
	}
	return node.Children, true
}

// CountNodes counts files and folders below and including roots.
func CountNodes(roots []*Node) (files, folders int) {
	for _, n := range roots {
		if n.IsFile {
			files++
			continue
		}
		folders++
		f, d := CountNodes(n.Children)
		files += f
		folders += d
	}
	return files, folders
}
