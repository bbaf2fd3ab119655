// Package vfs implements the path-based virtual filesystem core: a mount
// table, path normalization, a per-path LRU node cache, and
// the polymorphic node interface filesystem drivers implement. Filesystems
// register by name; mounts select one explicitly or via probe.
//
// Nodes are owned by their filesystem; the VFS core stores borrows only.
// Of the drivers in this tree only ntfs keeps a flat list of every node it
// allocated and walks it at unmount; the ramfs, fat and iso9660 Unmount
// methods walk no nodes and return nil.
package vfs

import (
	"io"

	"novaos/blk"
	"novaos/kernel"
	"novaos/kernel/kfmt"
	"novaos/volume"
)

// NodeType classifies a VFS node.
type NodeType uint8

// The node types this kernel distinguishes.
const (
	NodeUnknown NodeType = iota
	NodeRegular
	NodeDirectory
	NodeSymlink
	NodeDevice
)

// NodeFlags carry per-node attributes.
type NodeFlags uint32

// The node flags.
const (
	FlagReadOnly NodeFlags = 1 << iota
	FlagMountpoint
)

// OpenMode is the access-mode bitmask passed to Open.
type OpenMode uint32

// The open modes. A mode with neither OpenRead nor OpenWrite set defaults
// to read-only.
const (
	OpenRead OpenMode = 1 << iota
	OpenWrite
	OpenAppend
	OpenTrunc
)

// DirEntry is one directory listing entry returned by ReadDir.
type DirEntry struct {
	Name string
	Type NodeType
}

// NodeInfo is the stat result for a node.
type NodeInfo struct {
	Type  NodeType
	Flags NodeFlags
	Size  uint64
	Inode uint64
}

// Node is one entry in a mounted filesystem's tree. Nodes form a forest:
// every mount root has Parent == nil, and all other nodes of that mount
// have the root as an ancestor. The filesystem that created a node owns it;
// the VFS core (and its cache) only borrow.
type Node struct {
	Name   string
	Type   NodeType
	Flags  NodeFlags
	Parent *Node
	Mount  *Mount
	Ops    NodeOps

	// Data is the filesystem-private payload for this node.
	Data interface{}
}

// NodeOps is the operation set a filesystem driver implements for its
// nodes; the single dynamic dispatch point of the node polymorphism.
// Operations a filesystem does not support return ErrUnsupported (or
// ErrAccess for writes to read-only media).
type NodeOps interface {
	// Open prepares a node for I/O and may return a driver handle that is
	// passed back to the other operations.
	Open(n *Node, mode OpenMode) (driverHandle interface{}, err *kernel.Error)

	// Close releases a driver handle returned by Open.
	Close(n *Node, driverHandle interface{}) *kernel.Error

	// Read copies up to len(buf) bytes starting at offset and returns the
	// number of bytes read; 0 at or past end of file.
	Read(n *Node, driverHandle interface{}, offset uint64, buf []byte) (int, *kernel.Error)

	// Write stores len(buf) bytes at offset, growing the file as needed,
	// and returns the number of bytes written.
	Write(n *Node, driverHandle interface{}, offset uint64, buf []byte) (int, *kernel.Error)

	// Truncate resizes a regular file to length bytes.
	Truncate(n *Node, driverHandle interface{}, length uint64) *kernel.Error

	// ReadDir returns the index-th entry of a directory, or ErrNotFound
	// once index moves past the last entry.
	ReadDir(n *Node, index int) (DirEntry, *kernel.Error)

	// Lookup resolves one child name within a directory.
	Lookup(n *Node, name string) (*Node, *kernel.Error)

	// Create adds a child of the given type to a directory.
	Create(n *Node, name string, nodeType NodeType) (*Node, *kernel.Error)

	// Remove deletes the named child of a directory.
	Remove(n *Node, name string) *kernel.Error

	// Stat reports a node's metadata.
	Stat(n *Node) (NodeInfo, *kernel.Error)
}

// MountFlags carry per-mount options.
type MountFlags uint32

// MountParams tell a filesystem driver what to mount. Either Device or
// Volume (or both) may be set for disk-backed filesystems; RAM-backed
// filesystems ignore both.
type MountParams struct {
	Source string
	Device *blk.Device
	Volume *volume.Volume
	Flags  MountFlags
}

// FileSystem is the interface a filesystem driver registers with the VFS.
type FileSystem interface {
	// Name returns the unique registration name ("ramfs", "fat", ...).
	Name() string

	// Probe reports whether the backing store described by params holds
	// this filesystem. Probing must never panic and must not mutate the
	// backing store.
	Probe(params *MountParams) bool

	// Mount parses the backing store and returns the root node.
	Mount(params *MountParams) (*Node, *kernel.Error)

	// Unmount runs the driver's teardown for the mount rooted at root.
	// The per-node work is up to the driver (see the package doc).
	Unmount(root *Node) *kernel.Error
}

// Mount binds a filesystem instance into the namespace at Path.
type Mount struct {
	Path  string
	FS    FileSystem
	Root  *Node
	Flags MountFlags
}

// VFS is one namespace instance: the filesystem registry, mount table and
// node cache. Boot wiring creates a single process-wide instance; tests
// construct isolated ones.
type VFS struct {
	filesystems []FileSystem
	mounts      []*Mount
	rootMount   *Mount
	cache       cache
	log         io.Writer
}

var (
	errInvalid         = &kernel.Error{Module: "vfs", Message: "invalid argument", Kind: kernel.ErrInvalid}
	errNotFound        = &kernel.Error{Module: "vfs", Message: "no such file or directory", Kind: kernel.ErrNotFound}
	errExists          = &kernel.Error{Module: "vfs", Message: "name already exists", Kind: kernel.ErrExists}
	errBusy            = &kernel.Error{Module: "vfs", Message: "resource busy", Kind: kernel.ErrBusy}
	errNoRoot          = &kernel.Error{Module: "vfs", Message: "no root mount", Kind: kernel.ErrNotFound}
	errUnsupported     = &kernel.Error{Module: "vfs", Message: "operation not supported", Kind: kernel.ErrUnsupported}
	errAccess          = &kernel.Error{Module: "vfs", Message: "access denied", Kind: kernel.ErrAccess}
	errNotADirectory   = &kernel.Error{Module: "vfs", Message: "not a directory", Kind: kernel.ErrInvalid}
	errNoFilesystem    = &kernel.Error{Module: "vfs", Message: "no filesystem matched", Kind: kernel.ErrNotFound}
	errAlreadyMounted  = &kernel.Error{Module: "vfs", Message: "path already mounted", Kind: kernel.ErrExists}
)

// New constructs an empty VFS with the default cache capacity. Log output
// (mount/unmount notices) goes to w; pass io.Discard to silence it.
func New(w io.Writer) *VFS {
	if w == nil {
		w = io.Discard
	}
	v := &VFS{log: w}
	v.cache.capacity = defaultCacheCapacity
	return v
}

// RegisterFileSystem adds fs to the named registry. Names are unique;
// registering a duplicate returns ErrExists.
func (v *VFS) RegisterFileSystem(fs FileSystem) *kernel.Error {
	if fs == nil || fs.Name() == "" {
		return errInvalid
	}
	for _, existing := range v.filesystems {
		if existing.Name() == fs.Name() {
			return errExists
		}
	}
	v.filesystems = append(v.filesystems, fs)
	kfmt.Fprintf(v.log, "[vfs] registered filesystem '%s'\n", fs.Name())
	return nil
}

// GetFileSystem returns the registered filesystem called name, or nil.
func (v *VFS) GetFileSystem(name string) FileSystem {
	for _, fs := range v.filesystems {
		if fs.Name() == name {
			return fs
		}
	}
	return nil
}

// Mount attaches fs at target. The path is normalized first; mounting an
// already-mounted path returns ErrExists, and every cache entry under the
// mount point is evicted before the mount root is published.
func (v *VFS) Mount(target string, fs FileSystem, params *MountParams) (*Mount, *kernel.Error) {
	if fs == nil {
		return nil, errInvalid
	}
	normalized, err := Normalize(target)
	if err != nil {
		return nil, err
	}
	for _, m := range v.mounts {
		if m.Path == normalized {
			return nil, errAlreadyMounted
		}
	}

	root, err := fs.Mount(params)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, &kernel.Error{Module: "vfs", Message: "filesystem mount returned no root", Kind: kernel.ErrUnknown}
	}

	m := &Mount{Path: normalized, FS: fs, Root: root}
	if params != nil {
		m.Flags = params.Flags
	}
	root.Mount = m
	root.Parent = nil
	root.Flags |= FlagMountpoint

	v.mounts = append(v.mounts, m)
	if normalized == "/" {
		v.rootMount = m
	}

	v.cache.removePrefix(normalized)
	v.cache.insert(normalized, root)

	kfmt.Fprintf(v.log, "[vfs] mounted '%s' at '%s'\n", fs.Name(), normalized)
	return m, nil
}

// DetectFileSystem probes every registered filesystem against params and
// returns the first match, or nil.
func (v *VFS) DetectFileSystem(params *MountParams) FileSystem {
	if params == nil {
		return nil
	}
	for _, fs := range v.filesystems {
		if fs.Probe(params) {
			return fs
		}
	}
	return nil
}

// MountAuto probes the registered filesystems in registration order and
// mounts the first whose probe accepts params.
func (v *VFS) MountAuto(target string, params *MountParams) (*Mount, *kernel.Error) {
	if params == nil {
		return nil, errInvalid
	}
	for _, fs := range v.filesystems {
		if !fs.Probe(params) {
			continue
		}
		if m, err := v.Mount(target, fs, params); err == nil {
			return m, nil
		}
	}
	return nil, errNoFilesystem
}

// Unmount detaches the mount at target, running the filesystem's teardown.
// Unmounting "/" returns ErrBusy.
func (v *VFS) Unmount(target string) *kernel.Error {
	normalized, err := Normalize(target)
	if err != nil {
		return err
	}
	for i, m := range v.mounts {
		if m.Path != normalized {
			continue
		}
		if m.Path == "/" {
			return errBusy
		}
		if uErr := m.FS.Unmount(m.Root); uErr != nil {
			kfmt.Fprintf(v.log, "[vfs] unmount teardown for '%s' failed: %s\n", normalized, uErr.Message)
		}
		v.mounts = append(v.mounts[:i], v.mounts[i+1:]...)
		v.cache.removePrefix(normalized)
		return nil
	}
	return errNotFound
}

// GetMount returns the mount whose path equals target, or nil.
func (v *VFS) GetMount(target string) *Mount {
	normalized, err := Normalize(target)
	if err != nil {
		return nil
	}
	for _, m := range v.mounts {
		if m.Path == normalized {
			return m
		}
	}
	return nil
}

// selectMount picks the mount whose path is the longest prefix of
// normalized terminating at a "/" boundary; "/" always matches as the
// fallback.
func (v *VFS) selectMount(normalized string) *Mount {
	var best *Mount
	bestLen := -1
	for _, m := range v.mounts {
		if !pathIsUnder(normalized, m.Path) {
			continue
		}
		if len(m.Path) > bestLen {
			best = m
			bestLen = len(m.Path)
		}
	}
	return best
}

// Resolve walks path to its node, consulting the cache first. On success
// the node is inserted into the cache under the normalized path.
func (v *VFS) Resolve(path string) (*Node, *kernel.Error) {
	if v.rootMount == nil {
		return nil, errNoRoot
	}
	normalized, err := Normalize(path)
	if err != nil {
		return nil, err
	}

	if cached := v.cache.lookup(normalized); cached != nil {
		return cached, nil
	}

	m := v.selectMount(normalized)
	if m == nil {
		return nil, errNotFound
	}

	rel := normalized[len(m.Path):]
	for len(rel) > 0 && rel[0] == '/' {
		rel = rel[1:]
	}
	if len(rel) == 0 {
		v.cache.insert(normalized, m.Root)
		return m.Root, nil
	}

	node, err := walk(m.Root, rel)
	if err != nil {
		return nil, err
	}
	v.cache.insert(normalized, node)
	return node, nil
}

// walk resolves rel (already normalized, mount-relative, no leading "/")
// starting at start. "." and ".." are resolved against the in-memory
// parent pointer; every other segment is delegated to the current node's
// Lookup. Symlinks are not followed in this revision; the flag on the
// result is preserved.
func walk(start *Node, rel string) (*Node, *kernel.Error) {
	current := start
	i := 0
	for i < len(rel) {
		for i < len(rel) && rel[i] == '/' {
			i++
		}
		s := i
		for i < len(rel) && rel[i] != '/' {
			i++
		}
		seg := rel[s:i]
		switch seg {
		case "":
			continue
		case ".":
			continue
		case "..":
			if current.Parent != nil {
				current = current.Parent
			}
			continue
		}
		if current.Ops == nil {
			return nil, errUnsupported
		}
		next, err := current.Ops.Lookup(current, seg)
		if err != nil || next == nil {
			return nil, errNotFound
		}
		current = next
	}
	return current, nil
}

// NodeStat reports n's metadata through its driver's Stat, falling back to
// the in-memory fields for drivers without one.
func NodeStat(n *Node) (NodeInfo, *kernel.Error) {
	if n == nil {
		return NodeInfo{}, errInvalid
	}
	if n.Ops != nil {
		return n.Ops.Stat(n)
	}
	return NodeInfo{Type: n.Type, Flags: n.Flags}, nil
}

// ReadDir returns the index-th entry of the directory at node.
func (v *VFS) ReadDir(node *Node, index int) (DirEntry, *kernel.Error) {
	if node == nil {
		return DirEntry{}, errInvalid
	}
	if node.Type != NodeDirectory {
		return DirEntry{}, errNotADirectory
	}
	if node.Ops == nil {
		return DirEntry{}, errUnsupported
	}
	return node.Ops.ReadDir(node, index)
}

// Open resolves path and returns a Handle with offset zero. The handle
// enforces read/write permission based on mode.
func (v *VFS) Open(path string, mode OpenMode) (*Handle, *kernel.Error) {
	node, err := v.Resolve(path)
	if err != nil {
		return nil, err
	}
	h := &Handle{node: node, mode: mode}
	if node.Ops != nil {
		driver, oErr := node.Ops.Open(node, mode)
		if oErr != nil {
			return nil, oErr
		}
		h.driver = driver
	}
	return h, nil
}

// Create makes a new node of the given type at path by delegating to the
// parent directory's Create. The exact cache entry for path is evicted.
func (v *VFS) Create(path string, nodeType NodeType) *kernel.Error {
	if nodeType == NodeUnknown {
		return errInvalid
	}
	normalized, err := Normalize(path)
	if err != nil {
		return err
	}
	if normalized == "/" {
		return errExists
	}

	parentPath, name := splitParent(normalized)
	parent, err := v.Resolve(parentPath)
	if err != nil {
		return err
	}
	if parent.Ops == nil {
		return errUnsupported
	}

	v.cache.removeExact(normalized)
	_, err = parent.Ops.Create(parent, name, nodeType)
	return err
}

// Remove deletes the node at path by delegating to the parent directory's
// Remove. Every cache entry at or below path is evicted.
func (v *VFS) Remove(path string) *kernel.Error {
	normalized, err := Normalize(path)
	if err != nil {
		return err
	}
	if normalized == "/" {
		return errBusy
	}

	parentPath, name := splitParent(normalized)
	parent, err := v.Resolve(parentPath)
	if err != nil {
		return err
	}
	if parent.Ops == nil {
		return errUnsupported
	}

	v.cache.removePrefix(normalized)
	return parent.Ops.Remove(parent, name)
}

// DirectoryExists reports whether path resolves to a directory.
func (v *VFS) DirectoryExists(path string) bool {
	node, err := v.Resolve(path)
	return err == nil && node != nil && node.Type == NodeDirectory
}

// FileExists reports whether path resolves to a regular file or symlink.
func (v *VFS) FileExists(path string) bool {
	node, err := v.Resolve(path)
	if err != nil || node == nil {
		return false
	}
	return node.Type == NodeRegular || node.Type == NodeSymlink
}

// DirectoryContents lists every entry of the directory at path.
func (v *VFS) DirectoryContents(path string) ([]DirEntry, *kernel.Error) {
	node, err := v.Resolve(path)
	if err != nil {
		return nil, err
	}
	if node.Type != NodeDirectory {
		return nil, errNotADirectory
	}
	if node.Ops == nil {
		return nil, errUnsupported
	}

	var out []DirEntry
	for index := 0; ; index++ {
		entry, rErr := node.Ops.ReadDir(node, index)
		if rErr != nil {
			if rErr.Kind == kernel.ErrNotFound {
				return out, nil
			}
			return nil, rErr
		}
		out = append(out, entry)
	}
}

// CacheStats returns a snapshot of the node cache counters.
func (v *VFS) CacheStats() CacheStats { return v.cache.stats() }

// SetCacheCapacity resizes the node cache; zero disables it.
func (v *VFS) SetCacheCapacity(capacity int) { v.cache.setCapacity(capacity) }

// FlushCache drops every cached node borrow.
func (v *VFS) FlushCache() { v.cache.clear() }

// ResetCacheStats zeroes the hit/miss counters.
func (v *VFS) ResetCacheStats() { v.cache.resetStats() }
