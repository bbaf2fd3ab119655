package vfs

import "novaos/kernel"

// SeekWhence selects the reference point for Handle.Seek.
type SeekWhence uint8

// The seek origins.
const (
	SeekSet SeekWhence = iota
	SeekCur
	SeekEnd
)

// Handle is an open file description: a node borrow, the driver handle the
// node's Open returned, the access mode, and the current offset. Read and
// Write advance the offset; the At variants do not.
type Handle struct {
	node   *Node
	driver interface{}
	mode   OpenMode
	offset uint64
}

// Node returns the node this handle is open on.
func (h *Handle) Node() *Node { return h.node }

// Offset returns the current file position.
func (h *Handle) Offset() uint64 { return h.offset }

// canRead reports read permission: OpenRead, or no explicit direction at
// all (a bare Open defaults to read-only).
func (h *Handle) canRead() bool {
	if h.mode&OpenRead != 0 {
		return true
	}
	return h.mode&(OpenRead|OpenWrite) == 0
}

func (h *Handle) canWrite() bool { return h.mode&OpenWrite != 0 }

// Read copies up to len(buf) bytes from the current offset and advances it
// by the number of bytes actually read.
func (h *Handle) Read(buf []byte) (int, *kernel.Error) {
	n, err := h.ReadAt(h.offset, buf)
	if n > 0 {
		h.offset += uint64(n)
	}
	return n, err
}

// ReadAt copies up to len(buf) bytes from offset without touching the
// handle's position.
func (h *Handle) ReadAt(offset uint64, buf []byte) (int, *kernel.Error) {
	if len(buf) == 0 {
		return 0, errInvalid
	}
	if !h.canRead() {
		return 0, errAccess
	}
	if h.node == nil || h.node.Ops == nil {
		return 0, errUnsupported
	}
	return h.node.Ops.Read(h.node, h.driver, offset, buf)
}

// Write stores buf at the current offset and advances it by the number of
// bytes actually written; the offset never moves past what was written.
func (h *Handle) Write(buf []byte) (int, *kernel.Error) {
	n, err := h.WriteAt(h.offset, buf)
	if n > 0 {
		h.offset += uint64(n)
	}
	return n, err
}

// WriteAt stores buf at offset without touching the handle's position.
func (h *Handle) WriteAt(offset uint64, buf []byte) (int, *kernel.Error) {
	if len(buf) == 0 {
		return 0, errInvalid
	}
	if !h.canWrite() {
		return 0, errAccess
	}
	if h.node == nil || h.node.Ops == nil {
		return 0, errUnsupported
	}
	return h.node.Ops.Write(h.node, h.driver, offset, buf)
}

// Truncate resizes the file to length bytes; requires write permission.
func (h *Handle) Truncate(length uint64) *kernel.Error {
	if !h.canWrite() {
		return errAccess
	}
	if h.node == nil || h.node.Ops == nil {
		return errUnsupported
	}
	return h.node.Ops.Truncate(h.node, h.driver, length)
}

// Seek repositions the handle. Negative absolute positions are rejected.
func (h *Handle) Seek(offset int64, whence SeekWhence) (uint64, *kernel.Error) {
	var newPos uint64
	switch whence {
	case SeekSet:
		if offset < 0 {
			return h.offset, errInvalid
		}
		newPos = uint64(offset)
	case SeekCur:
		if offset < 0 && uint64(-offset) > h.offset {
			return h.offset, errInvalid
		}
		newPos = h.offset + uint64(offset)
	case SeekEnd:
		info, err := NodeStat(h.node)
		if err != nil {
			return h.offset, err
		}
		if offset < 0 && uint64(-offset) > info.Size {
			return h.offset, errInvalid
		}
		newPos = info.Size + uint64(offset)
	default:
		return h.offset, errInvalid
	}
	h.offset = newPos
	return h.offset, nil
}

// Close releases the driver handle, if the node's Open produced one.
func (h *Handle) Close() *kernel.Error {
	if h.node != nil && h.node.Ops != nil {
		return h.node.Ops.Close(h.node, h.driver)
	}
	return nil
}
