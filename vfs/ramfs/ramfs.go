// Package ramfs implements the in-memory read/write filesystem mounted at
// "/" by default. Directories keep an ordered child list;
// files keep a byte buffer with doubling growth. There is no on-disk form,
// so Probe never matches: ramfs is mounted by explicit selection only.
package ramfs

import (
	"novaos/kernel"
	"novaos/vfs"
)

// FileSystem is the ramfs driver. Each Mount call produces an independent
// tree.
type FileSystem struct{}

var _ vfs.FileSystem = (*FileSystem)(nil)

// New constructs the ramfs driver.
func New() *FileSystem { return &FileSystem{} }

// Name returns "ramfs".
func (fs *FileSystem) Name() string { return "ramfs" }

// Probe always reports false: ramfs has no backing store to recognize and
// is never auto-mounted.
func (fs *FileSystem) Probe(params *vfs.MountParams) bool { return false }

// Mount returns a fresh empty root directory.
func (fs *FileSystem) Mount(params *vfs.MountParams) (*vfs.Node, *kernel.Error) {
	return newNode("", vfs.NodeDirectory), nil
}

// Unmount drops the tree. Everything is heap-owned, so releasing the root
// releases all of it.
func (fs *FileSystem) Unmount(root *vfs.Node) *kernel.Error { return nil }

// payload is the per-node state: a child list for directories, a growable
// byte buffer for regular files.
type payload struct {
	children []*vfs.Node
	data     []byte
	size     int
}

var (
	errInvalid     = &kernel.Error{Module: "ramfs", Message: "invalid argument", Kind: kernel.ErrInvalid}
	errNotFound    = &kernel.Error{Module: "ramfs", Message: "no such entry", Kind: kernel.ErrNotFound}
	errExists      = &kernel.Error{Module: "ramfs", Message: "entry already exists", Kind: kernel.ErrExists}
	errAccess      = &kernel.Error{Module: "ramfs", Message: "access denied", Kind: kernel.ErrAccess}
	errNotEmpty    = &kernel.Error{Module: "ramfs", Message: "directory not empty", Kind: kernel.ErrBusy}
	errUnsupported = &kernel.Error{Module: "ramfs", Message: "operation not supported", Kind: kernel.ErrUnsupported}
)

func newNode(name string, nodeType vfs.NodeType) *vfs.Node {
	return &vfs.Node{
		Name: name,
		Type: nodeType,
		Ops:  nodeOps{},
		Data: &payload{},
	}
}

func payloadOf(n *vfs.Node) *payload {
	p, _ := n.Data.(*payload)
	return p
}

// grow ensures the file buffer covers at least required bytes, doubling
// capacity each step; newly exposed bytes read as zero.
func (p *payload) grow(required int) {
	if required <= cap(p.data) {
		p.data = p.data[:required]
		// A shrink followed by a regrow reuses capacity; the reclaimed
		// span must read as zero again.
		for i := p.size; i < required; i++ {
			p.data[i] = 0
		}
		return
	}
	newCap := cap(p.data)
	if newCap == 0 {
		newCap = 64
	}
	for newCap < required {
		newCap *= 2
	}
	buf := make([]byte, required, newCap)
	copy(buf, p.data[:p.size])
	p.data = buf
}

// nodeOps implements vfs.NodeOps for every ramfs node.
type nodeOps struct{}

func (nodeOps) Open(n *vfs.Node, mode vfs.OpenMode) (interface{}, *kernel.Error) {
	if n.Type == vfs.NodeDirectory && mode&vfs.OpenWrite != 0 {
		return nil, errAccess
	}
	if n.Type == vfs.NodeRegular && mode&vfs.OpenTrunc != 0 {
		p := payloadOf(n)
		p.data = p.data[:0]
		p.size = 0
	}
	return nil, nil
}

func (nodeOps) Close(n *vfs.Node, handle interface{}) *kernel.Error { return nil }

func (nodeOps) Read(n *vfs.Node, handle interface{}, offset uint64, buf []byte) (int, *kernel.Error) {
	if n.Type != vfs.NodeRegular {
		return 0, errInvalid
	}
	p := payloadOf(n)
	if offset >= uint64(p.size) {
		return 0, nil
	}
	return copy(buf, p.data[offset:p.size]), nil
}

func (nodeOps) Write(n *vfs.Node, handle interface{}, offset uint64, buf []byte) (int, *kernel.Error) {
	if n.Type != vfs.NodeRegular {
		return 0, errInvalid
	}
	p := payloadOf(n)
	end := int(offset) + len(buf)
	if end > p.size {
		p.grow(end)
		p.size = end
	}
	copy(p.data[offset:], buf)
	return len(buf), nil
}

func (nodeOps) Truncate(n *vfs.Node, handle interface{}, length uint64) *kernel.Error {
	if n.Type != vfs.NodeRegular {
		return errInvalid
	}
	p := payloadOf(n)
	newSize := int(length)
	if newSize > p.size {
		p.grow(newSize)
	} else {
		p.data = p.data[:newSize]
	}
	p.size = newSize
	return nil
}

func (nodeOps) ReadDir(n *vfs.Node, index int) (vfs.DirEntry, *kernel.Error) {
	if n.Type != vfs.NodeDirectory {
		return vfs.DirEntry{}, errInvalid
	}
	p := payloadOf(n)
	if index < 0 || index >= len(p.children) {
		return vfs.DirEntry{}, errNotFound
	}
	child := p.children[index]
	return vfs.DirEntry{Name: child.Name, Type: child.Type}, nil
}

func (nodeOps) Lookup(n *vfs.Node, name string) (*vfs.Node, *kernel.Error) {
	if n.Type != vfs.NodeDirectory {
		return nil, errInvalid
	}
	p := payloadOf(n)
	for _, child := range p.children {
		if child.Name == name {
			return child, nil
		}
	}
	return nil, errNotFound
}

func (nodeOps) Create(n *vfs.Node, name string, nodeType vfs.NodeType) (*vfs.Node, *kernel.Error) {
	if n.Type != vfs.NodeDirectory || name == "" {
		return nil, errInvalid
	}
	if nodeType != vfs.NodeRegular && nodeType != vfs.NodeDirectory {
		return nil, errUnsupported
	}
	p := payloadOf(n)
	for _, child := range p.children {
		if child.Name == name {
			return nil, errExists
		}
	}
	child := newNode(name, nodeType)
	child.Parent = n
	child.Mount = n.Mount
	p.children = append(p.children, child)
	return child, nil
}

func (nodeOps) Remove(n *vfs.Node, name string) *kernel.Error {
	if n.Type != vfs.NodeDirectory || name == "" {
		return errInvalid
	}
	p := payloadOf(n)
	for i, child := range p.children {
		if child.Name != name {
			continue
		}
		if child.Type == vfs.NodeDirectory {
			if cp := payloadOf(child); cp != nil && len(cp.children) > 0 {
				return errNotEmpty
			}
		}
		p.children = append(p.children[:i], p.children[i+1:]...)
		return nil
	}
	return errNotFound
}

func (nodeOps) Stat(n *vfs.Node) (vfs.NodeInfo, *kernel.Error) {
	info := vfs.NodeInfo{Type: n.Type, Flags: n.Flags}
	if n.Type == vfs.NodeRegular {
		info.Size = uint64(payloadOf(n).size)
	}
	return info, nil
}
