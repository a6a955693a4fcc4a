package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"

	"github.com/cbergoon/merkletree"
	"github.com/pkg/errors"
)

// FileDigest binds a file name to the sha256 of its content.
type FileDigest struct {
	Name   string
	Digest [sha256.Size]byte
}

// CalculateHash implements merkletree.Content. The name is part of the leaf
// so that renaming a file changes the root.
func (f FileDigest) CalculateHash() ([]byte, error) {
	h := sha256.New()
	if _, err := h.Write([]byte(f.Name)); err != nil {
		return nil, err
	}
	if _, err := h.Write([]byte{0}); err != nil {
		return nil, err
	}
	if _, err := h.Write(f.Digest[:]); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// Equals implements merkletree.Content
func (f FileDigest) Equals(other merkletree.Content) (bool, error) {
	o, ok := other.(FileDigest)
	if !ok {
		return false, errors.New("type mismatch")
	}
	return f.Name == o.Name && f.Digest == o.Digest, nil
}

// Manifest is a merkle fingerprint over an ordered file set.
type Manifest struct {
	Files []FileDigest
	tree  *merkletree.MerkleTree
}

// Build reads each path in order and fingerprints the set. names supplies
// the leaf names and must be the same length as paths.
func Build(names, paths []string) (*Manifest, error) {
	if len(names) != len(paths) {
		return nil, errors.Errorf("manifest: %d names for %d paths", len(names), len(paths))
	}

	m := &Manifest{Files: make([]FileDigest, 0, len(names))}
	contents := make([]merkletree.Content, 0, len(names))
	for i, name := range names {
		data, err := os.ReadFile(paths[i])
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", paths[i])
		}
		fd := FileDigest{Name: name, Digest: sha256.Sum256(data)}
		m.Files = append(m.Files, fd)
		contents = append(contents, fd)
	}

	if len(contents) == 0 {
		return m, nil
	}

	tree, err := merkletree.NewTree(contents)
	if err != nil {
		return nil, errors.Wrap(err, "build merkle tree")
	}
	m.tree = tree
	return m, nil
}

// Root returns the merkle root, or nil for an empty file set.
func (m *Manifest) Root() []byte {
	if m.tree == nil {
		return nil
	}
	return m.tree.MerkleRoot()
}

// RootHex returns the hex root, "empty" for an empty file set.
func (m *Manifest) RootHex() string {
	root := m.Root()
	if root == nil {
		return "empty"
	}
	return hex.EncodeToString(root)
}

// Contains reports whether name with exactly content is a leaf of the tree.
func (m *Manifest) Contains(name string, content []byte) (bool, error) {
	if m.tree == nil {
		return false, nil
	}
	return m.tree.VerifyContent(FileDigest{Name: name, Digest: sha256.Sum256(content)})
}

// Equal compares two manifests by root.
func (m *Manifest) Equal(other *Manifest) bool {
	return bytes.Equal(m.Root(), other.Root()) && len(m.Files) == len(other.Files)
}
