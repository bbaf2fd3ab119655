// Package iso9660 implements the read-only ISO 9660 filesystem driver.
// The Primary Volume Descriptor is located by scanning LBA
// 16..80, directory records are walked block by block (a zero length byte
// advances to the next block), identifiers are truncated at the ';'
// version suffix and normalized to lowercase.
package iso9660

import (
	"encoding/binary"

	"novaos/kernel"
	"novaos/vfs"
)

const (
	descriptorPrimary    = 1
	descriptorTerminator = 255
	standardID           = "CD001"

	pvdScanFirstLBA = 16
	pvdScanLastLBA  = 80

	flagDirectory = 0x02

	// dirRecordFixedSize is the fixed portion of a directory record; the
	// file identifier follows immediately.
	dirRecordFixedSize = 33

	defaultBlockSize = 2048
)

// PVD field offsets.
const (
	pvdLogicalBlockSize = 128
	pvdRootDirRecord    = 156
)

// Directory record field offsets.
const (
	recLength        = 0
	recExtentLBA     = 2  // LSB half of the both-endian pair
	recDataLength    = 10 // LSB half
	recFileFlags     = 25
	recIdentifierLen = 32
)

var (
	errInvalid     = &kernel.Error{Module: "iso9660", Message: "invalid argument", Kind: kernel.ErrInvalid}
	errNotFound    = &kernel.Error{Module: "iso9660", Message: "no such entry", Kind: kernel.ErrNotFound}
	errReadOnly    = &kernel.Error{Module: "iso9660", Message: "filesystem is read-only", Kind: kernel.ErrAccess}
	errUnsupported = &kernel.Error{Module: "iso9660", Message: "no primary volume descriptor", Kind: kernel.ErrUnsupported}
	errIO          = &kernel.Error{Module: "iso9660", Message: "backing store read failed", Kind: kernel.ErrIO}
)

// FileSystem is the ISO 9660 driver registered with the VFS under
// "iso9660".
type FileSystem struct{}

var _ vfs.FileSystem = (*FileSystem)(nil)

// New constructs the ISO 9660 driver.
func New() *FileSystem { return &FileSystem{} }

// Name returns "iso9660".
func (fs *FileSystem) Name() string { return "iso9660" }

// isoVolume is the per-mount state.
type isoVolume struct {
	params    vfs.MountParams
	blockSize uint32
}

// isoNode is the filesystem-private payload of an ISO vfs.Node.
type isoNode struct {
	vol        *isoVolume
	extentLBA  uint32
	dataLength uint32
	flags      uint8
	isRoot     bool
}

func paramsBlockSize(params *vfs.MountParams) uint32 {
	if params.Volume != nil && params.Volume.BlockSize != 0 {
		return params.Volume.BlockSize
	}
	if params.Device != nil && params.Device.LogicalBlockSize != 0 {
		return params.Device.LogicalBlockSize
	}
	return defaultBlockSize
}

func paramsRead(params *vfs.MountParams, lba uint64, count uint32, buf []byte) bool {
	if params.Volume != nil {
		return params.Volume.ReadSectors(lba, count, buf) == nil
	}
	if params.Device != nil {
		return params.Device.Read(lba, count, buf) == nil
	}
	return false
}

// Probe reads LBA 16 and accepts the volume when the "CD001" standard
// identifier is present and the descriptor type byte is 1 (primary) or 0.
// A FAT-formatted volume fails this check (its sector 16 carries no such
// identifier).
func (fs *FileSystem) Probe(params *vfs.MountParams) bool {
	if params == nil || (params.Device == nil && params.Volume == nil) {
		return false
	}
	buf := make([]byte, paramsBlockSize(params))
	if len(buf) < dirRecordFixedSize || !paramsRead(params, pvdScanFirstLBA, 1, buf) {
		return false
	}
	if string(buf[1:6]) != standardID {
		return false
	}
	return buf[0] == descriptorPrimary || buf[0] == 0
}

// Mount scans for the Primary Volume Descriptor and builds the root node
// from its embedded root directory record.
func (fs *FileSystem) Mount(params *vfs.MountParams) (*vfs.Node, *kernel.Error) {
	if params == nil || (params.Device == nil && params.Volume == nil) {
		return nil, errInvalid
	}
	blockSize := paramsBlockSize(params)
	buf := make([]byte, blockSize)
	if len(buf) < pvdRootDirRecord+dirRecordFixedSize {
		return nil, errUnsupported
	}

	found := false
	for lba := uint32(pvdScanFirstLBA); lba <= pvdScanLastLBA; lba++ {
		if !paramsRead(params, uint64(lba), 1, buf) {
			return nil, errIO
		}
		if string(buf[1:6]) != standardID {
			if buf[0] == descriptorTerminator {
				break
			}
			continue
		}
		if buf[0] == descriptorPrimary {
			found = true
			break
		}
		if buf[0] == descriptorTerminator {
			break
		}
	}
	if !found {
		return nil, errUnsupported
	}

	// The descriptor announces its own logical block size, but the device
	// size is what we can actually address; it wins when they disagree.
	vol := &isoVolume{params: *params, blockSize: blockSize}

	rootRec := buf[pvdRootDirRecord : pvdRootDirRecord+dirRecordFixedSize]
	root := &vfs.Node{
		Type:  vfs.NodeDirectory,
		Flags: vfs.FlagReadOnly,
		Ops:   nodeOps{},
		Data: &isoNode{
			vol:        vol,
			extentLBA:  binary.LittleEndian.Uint32(rootRec[recExtentLBA:]),
			dataLength: binary.LittleEndian.Uint32(rootRec[recDataLength:]),
			flags:      flagDirectory,
			isRoot:     true,
		},
	}
	return root, nil
}

// Unmount has no driver-side state beyond the tree itself.
func (fs *FileSystem) Unmount(root *vfs.Node) *kernel.Error { return nil }

// parsedRecord is one decoded directory record.
type parsedRecord struct {
	extentLBA  uint32
	dataLength uint32
	flags      uint8
	name       string
}

// normalizeName truncates at the ';' version suffix, lowercases, and trims
// trailing padding spaces.
func normalizeName(raw []byte) string {
	end := len(raw)
	for i, c := range raw {
		if c == ';' || c == 0 {
			end = i
			break
		}
	}
	out := make([]byte, 0, end)
	for _, c := range raw[:end] {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	for len(out) > 0 && out[len(out)-1] == ' ' {
		out = out[:len(out)-1]
	}
	return string(out)
}

// visitRecords walks dir's extent block by block, invoking visit for every
// named record (the "." and ".." specials, identifiers 0x00/0x01, are
// skipped). A record length of zero means the rest of the block is padding
// and the walk advances to the next block. visit returns false to stop
// early; visitRecords reports whether the walk itself succeeded.
func (in *isoNode) visitRecords(visit func(parsedRecord) bool) bool {
	vol := in.vol
	blockSize := vol.blockSize
	if in.dataLength == 0 {
		return true
	}

	block := make([]byte, blockSize)
	totalBlocks := (in.dataLength + blockSize - 1) / blockSize

	for blockIndex := uint32(0); blockIndex < totalBlocks; blockIndex++ {
		if !paramsRead(&vol.params, uint64(in.extentLBA+blockIndex), 1, block) {
			return false
		}
		pos := uint32(0)
		for pos < blockSize {
			absolute := blockIndex*blockSize + pos
			if absolute >= in.dataLength {
				break
			}
			length := uint32(block[pos+recLength])
			if length == 0 {
				break
			}
			if absolute+length > in.dataLength || pos+length > blockSize || length < dirRecordFixedSize {
				return false
			}

			rec := block[pos : pos+length]
			idLen := uint32(rec[recIdentifierLen])
			if dirRecordFixedSize+idLen <= length {
				id := rec[dirRecordFixedSize : dirRecordFixedSize+idLen]
				special := idLen == 1 && (id[0] == 0 || id[0] == 1)
				if !special {
					name := normalizeName(id)
					if name != "" {
						parsed := parsedRecord{
							extentLBA:  binary.LittleEndian.Uint32(rec[recExtentLBA:]),
							dataLength: binary.LittleEndian.Uint32(rec[recDataLength:]),
							flags:      rec[recFileFlags],
							name:       name,
						}
						if !visit(parsed) {
							return true
						}
					}
				}
			}
			pos += length
		}
	}
	return true
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if lower(a[i]) != lower(b[i]) {
			return false
		}
	}
	return true
}

// nodeOps implements vfs.NodeOps; the whole filesystem is read-only.
type nodeOps struct{}

func isoNodeOf(n *vfs.Node) *isoNode {
	in, _ := n.Data.(*isoNode)
	return in
}

func (nodeOps) Open(n *vfs.Node, mode vfs.OpenMode) (interface{}, *kernel.Error) {
	if mode&(vfs.OpenWrite|vfs.OpenAppend|vfs.OpenTrunc) != 0 {
		return nil, errReadOnly
	}
	return nil, nil
}

func (nodeOps) Close(n *vfs.Node, handle interface{}) *kernel.Error { return nil }

// Read copies from the file's extent: sub-block head/tail spans go through
// a temporary buffer, fully aligned middle spans are issued as one bulk
// read.
func (nodeOps) Read(n *vfs.Node, handle interface{}, offset uint64, buf []byte) (int, *kernel.Error) {
	in := isoNodeOf(n)
	if in == nil || n.Type != vfs.NodeRegular {
		return 0, errInvalid
	}
	if offset >= uint64(in.dataLength) {
		return 0, nil
	}

	remaining := uint64(len(buf))
	if avail := uint64(in.dataLength) - offset; remaining > avail {
		remaining = avail
	}
	if remaining == 0 {
		return 0, nil
	}

	vol := in.vol
	blockSize := uint64(vol.blockSize)
	temp := make([]byte, blockSize)
	total := uint64(0)

	for total < remaining {
		abs := offset + total
		lba := uint64(in.extentLBA) + abs/blockSize
		intra := abs % blockSize
		chunk := blockSize - intra
		if left := remaining - total; chunk > left {
			chunk = left
		}

		if intra == 0 && chunk == blockSize && remaining-total >= blockSize {
			blocks := (remaining - total) / blockSize
			if !paramsRead(&vol.params, lba, uint32(blocks), buf[total:total+blocks*blockSize]) {
				break
			}
			total += blocks * blockSize
			continue
		}

		if !paramsRead(&vol.params, lba, 1, temp) {
			break
		}
		copy(buf[total:total+chunk], temp[intra:intra+chunk])
		total += chunk
	}
	return int(total), nil
}

func (nodeOps) Write(n *vfs.Node, handle interface{}, offset uint64, buf []byte) (int, *kernel.Error) {
	return 0, errReadOnly
}

func (nodeOps) Truncate(n *vfs.Node, handle interface{}, length uint64) *kernel.Error {
	return errReadOnly
}

func (nodeOps) ReadDir(n *vfs.Node, index int) (vfs.DirEntry, *kernel.Error) {
	in := isoNodeOf(n)
	if in == nil || n.Type != vfs.NodeDirectory || index < 0 {
		return vfs.DirEntry{}, errInvalid
	}

	var found *parsedRecord
	current := 0
	ok := in.visitRecords(func(rec parsedRecord) bool {
		if current == index {
			copied := rec
			found = &copied
			return false
		}
		current++
		return true
	})
	if !ok {
		return vfs.DirEntry{}, errIO
	}
	if found == nil {
		return vfs.DirEntry{}, errNotFound
	}
	entryType := vfs.NodeRegular
	if found.flags&flagDirectory != 0 {
		entryType = vfs.NodeDirectory
	}
	return vfs.DirEntry{Name: found.name, Type: entryType}, nil
}

func (nodeOps) Lookup(n *vfs.Node, name string) (*vfs.Node, *kernel.Error) {
	in := isoNodeOf(n)
	if in == nil || n.Type != vfs.NodeDirectory || name == "" {
		return nil, errInvalid
	}

	var found *parsedRecord
	ok := in.visitRecords(func(rec parsedRecord) bool {
		if equalFold(rec.name, name) {
			copied := rec
			found = &copied
			return false
		}
		return true
	})
	if !ok {
		return nil, errIO
	}
	if found == nil {
		return nil, errNotFound
	}

	childType := vfs.NodeRegular
	if found.flags&flagDirectory != 0 {
		childType = vfs.NodeDirectory
	}
	child := &vfs.Node{
		Name:   found.name,
		Type:   childType,
		Flags:  vfs.FlagReadOnly,
		Parent: n,
		Mount:  n.Mount,
		Ops:    nodeOps{},
		Data: &isoNode{
			vol:        in.vol,
			extentLBA:  found.extentLBA,
			dataLength: found.dataLength,
			flags:      found.flags,
		},
	}
	return child, nil
}

func (nodeOps) Create(n *vfs.Node, name string, nodeType vfs.NodeType) (*vfs.Node, *kernel.Error) {
	return nil, errReadOnly
}

func (nodeOps) Remove(n *vfs.Node, name string) *kernel.Error { return errReadOnly }

func (nodeOps) Stat(n *vfs.Node) (vfs.NodeInfo, *kernel.Error) {
	in := isoNodeOf(n)
	if in == nil {
		return vfs.NodeInfo{}, errInvalid
	}
	return vfs.NodeInfo{
		Type:  n.Type,
		Flags: vfs.FlagReadOnly,
		Size:  uint64(in.dataLength),
		Inode: uint64(in.extentLBA),
	}, nil
}
