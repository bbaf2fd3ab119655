// Package ntfs implements the read-mostly NTFS filesystem driver: boot
// sector and $MFT parsing, fixup application, compressed
// data-run decoding, INDEX_ROOT directory walking, plus a writable
// in-memory overlay for nodes created at runtime (never written to disk). Disk-backed nodes reject
// writes; INDEX_ALLOCATION is not traversed in this revision, so listings
// of very large directories may be partial (logged once per volume).
package ntfs

import (
	"encoding/binary"
	"io"

	"novaos/kernel"
	"novaos/kernel/kfmt"
	"novaos/vfs"
)

const (
	oemString     = "NTFS    "
	recordMagic   = "FILE"
	rootRecordNum = 5

	fileFlagInUse     = 0x0001
	fileFlagDirectory = 0x0002

	attrFileName        = 0x30
	attrData            = 0x80
	attrIndexRoot       = 0x90
	attrIndexAllocation = 0xA0
	attrEnd             = 0xFFFFFFFF

	fileAttrDirectory = 0x10000000 // duplicated-info flag inside FILE_NAME

	indexEntryFlagSubnode = 0x01
	indexEntryFlagLast    = 0x02

	indexHeaderFlagSubnodes = 0x01
)

// Boot sector field offsets.
const (
	bootOEM                 = 3
	bootBytesPerSector      = 11
	bootSectorsPerCluster   = 13
	bootTotalSectors        = 40
	bootMftLCN              = 48
	bootMftMirrLCN          = 56
	bootClustersPerRecord   = 64
	bootClustersPerIndexBuf = 68
)

// File record header field offsets.
const (
	recSignature       = 0
	recFixupOffset     = 4
	recFixupEntries    = 6
	recFirstAttrOffset = 20
	recFlags           = 22
	recBytesInUse      = 24
)

// Attribute header field offsets (common, resident, non-resident).
const (
	atType       = 0
	atLength     = 4
	atNonRes     = 8
	atNameLength = 9

	atResValueLength = 16
	atResValueOffset = 20

	atNonResRunOffset = 32
	atNonResDataSize  = 48
)

// FILE_NAME attribute field offsets.
const (
	fnParentDirectory = 0
	fnRealSize        = 48
	fnFlags           = 56
	fnNameLength      = 64
	fnName            = 66
)

var (
	errInvalid     = &kernel.Error{Module: "ntfs", Message: "invalid argument", Kind: kernel.ErrInvalid}
	errNotFound    = &kernel.Error{Module: "ntfs", Message: "no such entry", Kind: kernel.ErrNotFound}
	errExists      = &kernel.Error{Module: "ntfs", Message: "entry already exists", Kind: kernel.ErrExists}
	errAccess      = &kernel.Error{Module: "ntfs", Message: "disk-backed node is read-only", Kind: kernel.ErrAccess}
	errUnsupported = &kernel.Error{Module: "ntfs", Message: "operation not supported", Kind: kernel.ErrUnsupported}
	errNoMemory    = &kernel.Error{Module: "ntfs", Message: "allocation failed", Kind: kernel.ErrNoMemory}
	errIO          = &kernel.Error{Module: "ntfs", Message: "backing store read failed", Kind: kernel.ErrIO}
	errBadVolume   = &kernel.Error{Module: "ntfs", Message: "volume is not NTFS", Kind: kernel.ErrUnsupported}
)

// FileSystem is the NTFS driver registered with the VFS under "ntfs". Log
// output (the partial-listing warning) goes to w.
type FileSystem struct {
	log io.Writer
}

var _ vfs.FileSystem = (*FileSystem)(nil)

// New constructs the NTFS driver with log output to w.
func New(w io.Writer) *FileSystem {
	if w == nil {
		w = io.Discard
	}
	return &FileSystem{log: w}
}

// Name returns "ntfs".
func (fs *FileSystem) Name() string { return "ntfs" }

// dataRun is one decoded runlist entry: length clusters starting at the
// absolute LCN (relative deltas are already resolved during parsing).
type dataRun struct {
	vcn    uint64
	length uint64
	lcn    int64
}

// ntfsVolume is the per-mount state.
type ntfsVolume struct {
	params vfs.MountParams
	log    io.Writer

	logicalBlockSize  uint32
	bytesPerSector    uint32
	sectorsPerCluster uint32
	bytesPerCluster   uint32
	mftRecordSize     uint32
	indexRecordSize   uint32
	mftLCN            uint64
	mftMirrLCN        uint64
	mftRuns           []dataRun

	// nodes is the flat list of every allocated node, walked exactly once
	// at unmount, per the VFS ownership contract.
	nodes []*vfs.Node

	warnedPartialDir bool
}

// ntfsNode is the filesystem-private payload of an NTFS vfs.Node.
type ntfsNode struct {
	vol       *ntfsVolume
	fileRef   uint64
	parentRef uint64
	fileSize  uint64
	isDir     bool
	isRoot    bool

	// overlay marks a runtime-created node whose bytes/children live only
	// in memory; the backing disk is never touched for it.
	overlay         bool
	overlayData     []byte
	overlayChildren []*vfs.Node
}

// handle caches the unnamed DATA attribute's location across reads on one
// open file.
type handle struct {
	valid    bool
	resident []byte
	runs     []dataRun
	dataSize uint64
}

func refNumber(ref uint64) uint64 { return ref & 0x0000FFFFFFFFFFFF }

func paramsBlockSize(params *vfs.MountParams) uint32 {
	if params.Volume != nil && params.Volume.BlockSize != 0 {
		return params.Volume.BlockSize
	}
	if params.Device != nil && params.Device.LogicalBlockSize != 0 {
		return params.Device.LogicalBlockSize
	}
	return 512
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

// bootInfo is the decoded subset of the NTFS boot sector.
type bootInfo struct {
	oemOK               bool
	bytesPerSector      uint32
	sectorsPerCluster   uint32
	mftLCN              uint64
	mftMirrLCN          uint64
	clustersPerRecord   int8
	clustersPerIndexBuf int8
}

func readBoot(params *vfs.MountParams) (bootInfo, bool) {
	blockSize := paramsBlockSize(params)
	count := uint32(1)
	if blockSize < 512 {
		count = (512 + blockSize - 1) / blockSize
	}
	buf := make([]byte, blockSize*count)
	if !paramsRead(params, 0, count, buf) || len(buf) < 512 {
		return bootInfo{}, false
	}
	var bi bootInfo
	bi.oemOK = string(buf[bootOEM:bootOEM+8]) == oemString
	bi.bytesPerSector = uint32(binary.LittleEndian.Uint16(buf[bootBytesPerSector:]))
	bi.sectorsPerCluster = uint32(buf[bootSectorsPerCluster])
	bi.mftLCN = binary.LittleEndian.Uint64(buf[bootMftLCN:])
	bi.mftMirrLCN = binary.LittleEndian.Uint64(buf[bootMftMirrLCN:])
	bi.clustersPerRecord = int8(buf[bootClustersPerRecord])
	bi.clustersPerIndexBuf = int8(buf[bootClustersPerIndexBuf])
	return bi, true
}

// recordSize resolves the clusters-per-record encoding: positive values
// count clusters, negative values encode 2^|n| bytes.
func recordSize(clusters int8, bytesPerCluster uint32) uint32 {
	if clusters > 0 {
		return uint32(clusters) * bytesPerCluster
	}
	if clusters < 0 {
		shift := uint(-clusters)
		if shift >= 31 {
			return 0
		}
		return 1 << shift
	}
	return 0
}

// Probe reads the boot sector and accepts when the OEM string is
// "NTFS    " with sane geometry.
func (fs *FileSystem) Probe(params *vfs.MountParams) bool {
	if params == nil || (params.Device == nil && params.Volume == nil) {
		return false
	}
	bi, ok := readBoot(params)
	return ok && bi.oemOK && bi.bytesPerSector != 0 && bi.sectorsPerCluster != 0
}

// Mount parses the boot sector, loads $MFT's own runlist from record 0,
// and returns the root directory (record 5).
func (fs *FileSystem) Mount(params *vfs.MountParams) (*vfs.Node, *kernel.Error) {
	if params == nil || (params.Device == nil && params.Volume == nil) {
		return nil, errInvalid
	}
	bi, ok := readBoot(params)
	if !ok {
		return nil, errIO
	}
	if !bi.oemOK || bi.bytesPerSector == 0 || bi.sectorsPerCluster == 0 {
		return nil, errBadVolume
	}

	vol := &ntfsVolume{
		params:            *params,
		log:               fs.log,
		logicalBlockSize:  paramsBlockSize(params),
		bytesPerSector:    bi.bytesPerSector,
		sectorsPerCluster: bi.sectorsPerCluster,
		mftLCN:            bi.mftLCN,
		mftMirrLCN:        bi.mftMirrLCN,
	}
	vol.bytesPerCluster = vol.bytesPerSector * vol.sectorsPerCluster
	vol.mftRecordSize = recordSize(bi.clustersPerRecord, vol.bytesPerCluster)
	vol.indexRecordSize = recordSize(bi.clustersPerIndexBuf, vol.bytesPerCluster)
	if vol.mftRecordSize == 0 {
		return nil, errBadVolume
	}

	// Load $MFT's own data runs by reading record 0 (reachable through the
	// boot sector's mft_lcn before the runlist exists).
	record := make([]byte, vol.mftRecordSize)
	if !vol.readMFTRecord(0, record) {
		return nil, errIO
	}
	loaded := false
	vol.visitAttributes(record, func(attr []byte) bool {
		if binary.LittleEndian.Uint32(attr[atType:]) != attrData || attr[atNonRes] == 0 {
			return true
		}
		runOff := binary.LittleEndian.Uint16(attr[atNonResRunOffset:])
		if int(runOff) < len(attr) {
			if runs, ok := parseDataRuns(attr[runOff:]); ok {
				vol.mftRuns = runs
				loaded = true
			}
		}
		return false
	})
	if !loaded {
		// Fall back to a single run at mft_lcn covering the first few
		// clusters.
		vol.mftRuns = []dataRun{{vcn: 0, length: 16, lcn: int64(vol.mftLCN)}}
	}

	root := vol.allocNode(nil, "", true, rootRecordNum, 0, true)
	if root == nil {
		return nil, errNoMemory
	}
	rootInfo := nodeOf(root)
	if _, ok := vol.populateNode(rootInfo); !ok {
		return nil, errIO
	}
	return root, nil
}

// Unmount walks the volume's flat node list exactly once, dropping every
// payload.
func (fs *FileSystem) Unmount(root *vfs.Node) *kernel.Error {
	info := nodeOf(root)
	if info == nil {
		return errInvalid
	}
	vol := info.vol
	for _, n := range vol.nodes {
		n.Data = nil
		n.Parent = nil
	}
	vol.nodes = nil
	return nil
}

func nodeOf(n *vfs.Node) *ntfsNode {
	if n == nil {
		return nil
	}
	info, _ := n.Data.(*ntfsNode)
	return info
}

func (vol *ntfsVolume) allocNode(parent *vfs.Node, name string, isDir bool, fileRef, fileSize uint64, isRoot bool) *vfs.Node {
	nodeType := vfs.NodeRegular
	if isDir {
		nodeType = vfs.NodeDirectory
	}
	info := &ntfsNode{
		vol:      vol,
		fileRef:  fileRef,
		fileSize: fileSize,
		isDir:    isDir,
		isRoot:   isRoot,
	}
	if parent != nil {
		if pi := nodeOf(parent); pi != nil {
			info.parentRef = pi.fileRef
		}
	} else {
		info.parentRef = fileRef
	}
	n := &vfs.Node{
		Name:   name,
		Type:   nodeType,
		Flags:  vfs.FlagReadOnly,
		Parent: parent,
		Ops:    nodeOps{},
		Data:   info,
	}
	if parent != nil {
		n.Mount = parent.Mount
	}
	vol.nodes = append(vol.nodes, n)
	return n
}

// readBytes reads size bytes at the absolute byte offset, bouncing through
// a block-aligned temporary.
func (vol *ntfsVolume) readBytes(offset uint64, buf []byte) bool {
	blockSize := uint64(vol.logicalBlockSize)
	if blockSize == 0 || len(buf) == 0 {
		return false
	}
	startBlock := offset / blockSize
	endBlock := (offset + uint64(len(buf)) + blockSize - 1) / blockSize
	count := endBlock - startBlock
	temp := make([]byte, count*blockSize)
	if !paramsRead(&vol.params, startBlock, uint32(count), temp) {
		return false
	}
	copy(buf, temp[offset-startBlock*blockSize:])
	return true
}

// readMFTRecord reads and fixup-corrects record index into buf, which must
// be mftRecordSize bytes.
func (vol *ntfsVolume) readMFTRecord(index uint64, buf []byte) bool {
	if len(vol.mftRuns) == 0 {
		offset := vol.mftLCN*uint64(vol.bytesPerCluster) + index*uint64(vol.mftRecordSize)
		if !vol.readBytes(offset, buf) {
			return false
		}
	} else {
		if !vol.readFromRuns(vol.mftRuns, index*uint64(vol.mftRecordSize), buf) {
			return false
		}
	}

	if !applyFixup(buf, vol.bytesPerSector) {
		return false
	}
	if string(buf[recSignature:recSignature+4]) != recordMagic {
		return false
	}
	return binary.LittleEndian.Uint16(buf[recFlags:])&fileFlagInUse != 0
}

// readFromRuns copies len(buf) bytes at the runlist-relative byte offset.
// The whole span must be covered.
func (vol *ntfsVolume) readFromRuns(runs []dataRun, offset uint64, buf []byte) bool {
	dst := buf
	relative := offset
	for _, run := range runs {
		if len(dst) == 0 {
			break
		}
		runBytes := run.length * uint64(vol.bytesPerCluster)
		if relative >= runBytes {
			relative -= runBytes
			continue
		}
		inRun := runBytes - relative
		chunk := uint64(len(dst))
		if chunk > inRun {
			chunk = inRun
		}
		byteOff := uint64(run.lcn)*uint64(vol.bytesPerCluster) + relative
		if !vol.readBytes(byteOff, dst[:chunk]) {
			return false
		}
		dst = dst[chunk:]
		relative = 0
	}
	return len(dst) == 0
}

// applyFixup undoes the update-sequence protection: every sector's final
// word must equal the update sequence number and is replaced by its saved
// original.
func applyFixup(buf []byte, bytesPerSector uint32) bool {
	if uint32(len(buf)) < bytesPerSector {
		return false
	}
	fixupOffset := binary.LittleEndian.Uint16(buf[recFixupOffset:])
	fixupEntries := binary.LittleEndian.Uint16(buf[recFixupEntries:])
	if fixupEntries == 0 {
		return true
	}
	end := int(fixupOffset) + int(fixupEntries)*2
	if end > len(buf) {
		return false
	}
	usn := binary.LittleEndian.Uint16(buf[fixupOffset:])
	sectors := int(fixupEntries) - 1
	for i := 0; i < sectors; i++ {
		tail := (i+1)*int(bytesPerSector) - 2
		if tail+2 > len(buf) {
			return false
		}
		if binary.LittleEndian.Uint16(buf[tail:]) != usn {
			return false
		}
		saved := binary.LittleEndian.Uint16(buf[int(fixupOffset)+2+i*2:])
		binary.LittleEndian.PutUint16(buf[tail:], saved)
	}
	return true
}

// visitAttributes walks a fixed-up record's attribute list, calling visit
// for each until it returns false or the 0xFFFFFFFF terminator.
func (vol *ntfsVolume) visitAttributes(record []byte, visit func(attr []byte) bool) {
	first := binary.LittleEndian.Uint16(record[recFirstAttrOffset:])
	inUse := binary.LittleEndian.Uint32(record[recBytesInUse:])
	if uint32(first) >= inUse || int(first) >= len(record) {
		return
	}
	off := int(first)
	for off+8 <= len(record) {
		attrType := binary.LittleEndian.Uint32(record[off+atType:])
		if attrType == attrEnd {
			return
		}
		length := binary.LittleEndian.Uint32(record[off+atLength:])
		if length == 0 || off+int(length) > len(record) {
			return
		}
		if !visit(record[off : off+int(length)]) {
			return
		}
		off += int(length)
	}
}

// parseDataRuns decodes the compressed runlist encoding: each run's header
// byte carries the byte counts of the length (low nibble) and the
// sign-extended relative LCN delta (high nibble).
func parseDataRuns(data []byte) ([]dataRun, bool) {
	var runs []dataRun
	var currentVCN uint64
	var currentLCN int64
	off := 0
	for off < len(data) {
		header := data[off]
		off++
		if header == 0 {
			break
		}
		lenSize := int(header & 0x0F)
		offSize := int(header>>4) & 0x0F
		if lenSize == 0 || off+lenSize+offSize > len(data) {
			return nil, false
		}

		var runLength uint64
		for i := 0; i < lenSize; i++ {
			runLength |= uint64(data[off+i]) << (i * 8)
		}
		off += lenSize

		if offSize > 0 {
			var runOffset int64
			for i := 0; i < offSize; i++ {
				runOffset |= int64(data[off+i]) << (i * 8)
			}
			signBit := int64(1) << (offSize*8 - 1)
			if runOffset&signBit != 0 {
				runOffset |= -(int64(1) << (offSize * 8))
			}
			off += offSize
			currentLCN += runOffset
		}

		runs = append(runs, dataRun{vcn: currentVCN, length: runLength, lcn: currentLCN})
		currentVCN += runLength
	}
	return runs, len(runs) > 0
}

// decodeUTF16 converts a UTF-16LE name to ASCII, transliterating anything
// outside the basic range to '?'.
func decodeUTF16(raw []byte, chars int) string {
	out := make([]byte, 0, chars)
	for i := 0; i < chars && i*2+1 < len(raw); i++ {
		ch := binary.LittleEndian.Uint16(raw[i*2:])
		if ch < 0x80 {
			out = append(out, byte(ch))
		} else {
			out = append(out, '?')
		}
	}
	return string(out)
}

// populateNode refreshes info's metadata from its MFT record and returns
// the node's on-disk name.
func (vol *ntfsVolume) populateNode(info *ntfsNode) (string, bool) {
	record := make([]byte, vol.mftRecordSize)
	if !vol.readMFTRecord(refNumber(info.fileRef), record) {
		return "", false
	}
	info.isDir = binary.LittleEndian.Uint16(record[recFlags:])&fileFlagDirectory != 0
	info.fileSize = 0
	name := ""

	vol.visitAttributes(record, func(attr []byte) bool {
		attrType := binary.LittleEndian.Uint32(attr[atType:])
		switch attrType {
		case attrFileName:
			if attr[atNonRes] != 0 {
				return true
			}
			valOff := binary.LittleEndian.Uint16(attr[atResValueOffset:])
			if int(valOff)+fnName > len(attr) {
				return true
			}
			fname := attr[valOff:]
			info.parentRef = refNumber(binary.LittleEndian.Uint64(fname[fnParentDirectory:]))
			info.fileSize = binary.LittleEndian.Uint64(fname[fnRealSize:])
			chars := int(fname[fnNameLength])
			name = decodeUTF16(fname[fnName:], chars)
		case attrData:
			if attr[atNonRes] != 0 {
				info.fileSize = binary.LittleEndian.Uint64(attr[atNonResDataSize:])
			} else {
				info.fileSize = uint64(binary.LittleEndian.Uint32(attr[atResValueLength:]))
			}
		}
		return true
	})
	return name, true
}

// fetchData locates the unnamed DATA attribute of info's record: either a
// copy of the resident value or the decoded runlist.
func (vol *ntfsVolume) fetchData(info *ntfsNode) (h handle, ok bool) {
	record := make([]byte, vol.mftRecordSize)
	if !vol.readMFTRecord(refNumber(info.fileRef), record) {
		return h, false
	}
	vol.visitAttributes(record, func(attr []byte) bool {
		if binary.LittleEndian.Uint32(attr[atType:]) != attrData || attr[atNameLength] != 0 {
			return true
		}
		if attr[atNonRes] != 0 {
			runOff := binary.LittleEndian.Uint16(attr[atNonResRunOffset:])
			if int(runOff) >= len(attr) {
				return false
			}
			runs, parsed := parseDataRuns(attr[runOff:])
			if !parsed {
				return false
			}
			h.runs = runs
			h.dataSize = binary.LittleEndian.Uint64(attr[atNonResDataSize:])
			h.valid = true
			return false
		}
		valOff := binary.LittleEndian.Uint16(attr[atResValueOffset:])
		valLen := binary.LittleEndian.Uint32(attr[atResValueLength:])
		if int(valOff)+int(valLen) > len(attr) {
			return false
		}
		h.resident = append([]byte(nil), attr[valOff:uint32(valOff)+valLen]...)
		h.dataSize = uint64(valLen)
		h.valid = true
		return false
	})
	return h, h.valid
}

// enumerateDirectory walks dir's INDEX_ROOT entries. With findName set it
// resolves a name to a file reference; otherwise it returns the entry at
// targetIndex. INDEX_ALLOCATION subnodes are not traversed; when the index
// announces them the partial-listing condition is logged once per volume.
func (vol *ntfsVolume) enumerateDirectory(dir *ntfsNode, targetIndex int, findName string) (entry vfs.DirEntry, childRef uint64, found bool) {
	record := make([]byte, vol.mftRecordSize)
	if !vol.readMFTRecord(refNumber(dir.fileRef), record) {
		return entry, 0, false
	}

	index := 0
	vol.visitAttributes(record, func(attr []byte) bool {
		if binary.LittleEndian.Uint32(attr[atType:]) != attrIndexRoot || attr[atNonRes] != 0 {
			return true
		}
		valOff := binary.LittleEndian.Uint16(attr[atResValueOffset:])
		valLen := binary.LittleEndian.Uint32(attr[atResValueLength:])
		if int(valOff)+int(valLen) > len(attr) || valLen < 32 {
			return false
		}
		value := attr[valOff : uint32(valOff)+valLen]

		// Index header sits after the 16-byte index root header; entry
		// offsets are relative to the index header.
		ih := value[16:]
		entriesOffset := binary.LittleEndian.Uint32(ih[0:])
		entriesSize := binary.LittleEndian.Uint32(ih[4:])
		ihFlags := ih[12]
		if ihFlags&indexHeaderFlagSubnodes != 0 && !vol.warnedPartialDir {
			vol.warnedPartialDir = true
			kfmt.Fprintf(vol.log, "[ntfs] directory has INDEX_ALLOCATION subnodes; listing may be partial\n")
		}

		off := 16 + entriesOffset
		end := 16 + entriesSize
		if end > valLen {
			end = valLen
		}
		for off+16 <= end {
			e := value[off:]
			entrySize := binary.LittleEndian.Uint16(e[8:])
			streamSize := binary.LittleEndian.Uint16(e[10:])
			eFlags := binary.LittleEndian.Uint32(e[12:])
			if entrySize < 16 || off+uint32(entrySize) > valLen {
				break
			}
			if int(streamSize) >= fnName && uint32(16+streamSize) <= uint32(entrySize) {
				fname := e[16:]
				chars := int(fname[fnNameLength])
				name := decodeUTF16(fname[fnName:], chars)
				skip := name == "" || name == "." || (findName == "" && name == "..")
				if !skip {
					if findName != "" {
						if name == findName {
							childRef = refNumber(binary.LittleEndian.Uint64(e[0:]))
							found = true
							return false
						}
					} else {
						if index == targetIndex {
							entryType := vfs.NodeRegular
							if binary.LittleEndian.Uint32(fname[fnFlags:])&fileAttrDirectory != 0 {
								entryType = vfs.NodeDirectory
							}
							entry = vfs.DirEntry{Name: name, Type: entryType}
							found = true
							return false
						}
						index++
					}
				}
			}
			if eFlags&indexEntryFlagLast != 0 {
				break
			}
			off += uint32(entrySize)
		}
		return false
	})
	return entry, childRef, found
}

// diskEntryCount counts the INDEX_ROOT entries of a disk-backed directory,
// so overlay children can be listed after them.
func (vol *ntfsVolume) diskEntryCount(dir *ntfsNode) int {
	count := 0
	for {
		if _, _, found := vol.enumerateDirectory(dir, count, ""); !found {
			return count
		}
		count++
	}
}

func overlayFindChild(dir *ntfsNode, name string) *vfs.Node {
	for _, child := range dir.overlayChildren {
		if child.Name == name {
			return child
		}
	}
	return nil
}

// overlayGrow extends an overlay file's buffer to cover at least required
// bytes, doubling capacity; new bytes read as zero.
func (info *ntfsNode) overlayGrow(required int) {
	if required <= len(info.overlayData) {
		return
	}
	if required <= cap(info.overlayData) {
		old := len(info.overlayData)
		info.overlayData = info.overlayData[:required]
		for i := old; i < required; i++ {
			info.overlayData[i] = 0
		}
		return
	}
	newCap := cap(info.overlayData)
	if newCap == 0 {
		newCap = 64
	}
	for newCap < required {
		newCap *= 2
	}
	buf := make([]byte, required, newCap)
	copy(buf, info.overlayData)
	info.overlayData = buf
}

// nodeOps implements vfs.NodeOps for every NTFS node.
type nodeOps struct{}

func (nodeOps) Open(n *vfs.Node, mode vfs.OpenMode) (interface{}, *kernel.Error) {
	info := nodeOf(n)
	if info == nil {
		return nil, errInvalid
	}
	wantsWrite := mode&(vfs.OpenWrite|vfs.OpenAppend|vfs.OpenTrunc) != 0
	if !info.overlay && wantsWrite {
		return nil, errAccess
	}
	if info.overlay {
		if info.isDir {
			if wantsWrite {
				return nil, errAccess
			}
			return nil, nil
		}
		if mode&vfs.OpenTrunc != 0 {
			info.overlayData = info.overlayData[:0]
			info.fileSize = 0
		}
	}
	return &handle{}, nil
}

func (nodeOps) Close(n *vfs.Node, driverHandle interface{}) *kernel.Error { return nil }

func (nodeOps) Read(n *vfs.Node, driverHandle interface{}, offset uint64, buf []byte) (int, *kernel.Error) {
	info := nodeOf(n)
	if info == nil || info.isDir {
		return 0, errInvalid
	}

	if info.overlay {
		if offset >= uint64(len(info.overlayData)) {
			return 0, nil
		}
		return copy(buf, info.overlayData[offset:]), nil
	}

	vol := info.vol
	h, _ := driverHandle.(*handle)
	if h == nil || !h.valid {
		fetched, ok := vol.fetchData(info)
		if !ok {
			return 0, errIO
		}
		if h != nil {
			*h = fetched
		} else {
			h = &fetched
		}
	}

	if offset >= h.dataSize {
		return 0, nil
	}
	avail := h.dataSize - offset
	toRead := uint64(len(buf))
	if toRead > avail {
		toRead = avail
	}

	if h.resident != nil {
		if offset >= uint64(len(h.resident)) {
			return 0, nil
		}
		return copy(buf[:toRead], h.resident[offset:]), nil
	}

	if !vol.readFromRuns(h.runs, offset, buf[:toRead]) {
		return 0, errIO
	}
	return int(toRead), nil
}

func (nodeOps) Write(n *vfs.Node, driverHandle interface{}, offset uint64, buf []byte) (int, *kernel.Error) {
	info := nodeOf(n)
	if info == nil || info.isDir {
		return 0, errInvalid
	}
	if !info.overlay {
		return 0, errAccess
	}
	end := int(offset) + len(buf)
	info.overlayGrow(end)
	copy(info.overlayData[offset:], buf)
	info.fileSize = uint64(len(info.overlayData))
	return len(buf), nil
}

func (nodeOps) Truncate(n *vfs.Node, driverHandle interface{}, length uint64) *kernel.Error {
	info := nodeOf(n)
	if info == nil || info.isDir {
		return errInvalid
	}
	if !info.overlay {
		return errAccess
	}
	newLen := int(length)
	if newLen <= len(info.overlayData) {
		info.overlayData = info.overlayData[:newLen]
	} else {
		info.overlayGrow(newLen)
	}
	info.fileSize = uint64(newLen)
	return nil
}

func (nodeOps) ReadDir(n *vfs.Node, index int) (vfs.DirEntry, *kernel.Error) {
	info := nodeOf(n)
	if info == nil || !info.isDir || index < 0 {
		return vfs.DirEntry{}, errInvalid
	}
	vol := info.vol

	diskCount := 0
	if !info.overlay {
		if entry, _, found := vol.enumerateDirectory(info, index, ""); found {
			return entry, nil
		}
		diskCount = vol.diskEntryCount(info)
	}

	overlayIndex := index - diskCount
	if overlayIndex < 0 || overlayIndex >= len(info.overlayChildren) {
		return vfs.DirEntry{}, errNotFound
	}
	child := info.overlayChildren[overlayIndex]
	return vfs.DirEntry{Name: child.Name, Type: child.Type}, nil
}

func (nodeOps) Lookup(n *vfs.Node, name string) (*vfs.Node, *kernel.Error) {
	info := nodeOf(n)
	if info == nil || !info.isDir || name == "" {
		return nil, errInvalid
	}
	vol := info.vol

	if child := overlayFindChild(info, name); child != nil {
		return child, nil
	}
	if info.overlay {
		return nil, errNotFound
	}

	_, childRef, found := vol.enumerateDirectory(info, 0, name)
	if !found {
		return nil, errNotFound
	}

	// Reuse an existing node for this (file, parent) pair so repeated
	// lookups hand back one borrow, refreshing its metadata.
	for _, candidate := range vol.nodes {
		ci := nodeOf(candidate)
		if ci == nil || ci.overlay || ci.fileRef != childRef || ci.parentRef != info.fileRef {
			continue
		}
		if _, ok := vol.populateNode(ci); ok {
			if ci.isDir {
				candidate.Type = vfs.NodeDirectory
			} else {
				candidate.Type = vfs.NodeRegular
			}
			return candidate, nil
		}
		return nil, errIO
	}

	child := vol.allocNode(n, name, false, childRef, 0, false)
	ci := nodeOf(child)
	if _, ok := vol.populateNode(ci); !ok {
		return nil, errIO
	}
	ci.parentRef = info.fileRef
	if ci.isDir {
		child.Type = vfs.NodeDirectory
	} else {
		child.Type = vfs.NodeRegular
	}
	return child, nil
}

// Create adds a runtime-only overlay node: it lives in memory, is
// writable, and never touches the backing disk.
func (nodeOps) Create(n *vfs.Node, name string, nodeType vfs.NodeType) (*vfs.Node, *kernel.Error) {
	info := nodeOf(n)
	if info == nil || !info.isDir || name == "" || len(name) > vfs.NameMax {
		return nil, errInvalid
	}
	if nodeType != vfs.NodeRegular && nodeType != vfs.NodeDirectory {
		return nil, errUnsupported
	}
	if overlayFindChild(info, name) != nil {
		return nil, errExists
	}
	if !info.overlay {
		if _, _, found := info.vol.enumerateDirectory(info, 0, name); found {
			return nil, errExists
		}
	}

	child := info.vol.allocNode(n, name, nodeType == vfs.NodeDirectory, 0, 0, false)
	ci := nodeOf(child)
	ci.overlay = true
	ci.parentRef = info.fileRef
	child.Flags = 0
	info.overlayChildren = append(info.overlayChildren, child)
	return child, nil
}

// Remove deletes a named overlay child (a non-empty overlay directory
// returns ErrBusy). Disk-backed entries are read-only: any other name
// returns ErrUnsupported.
func (nodeOps) Remove(n *vfs.Node, name string) *kernel.Error {
	info := nodeOf(n)
	if info == nil || !info.isDir {
		return errInvalid
	}
	for i, child := range info.overlayChildren {
		if child.Name != name {
			continue
		}
		ci := nodeOf(child)
		if ci != nil && ci.isDir && len(ci.overlayChildren) > 0 {
			return &kernel.Error{Module: "ntfs", Message: "directory not empty", Kind: kernel.ErrBusy}
		}
		info.overlayChildren = append(info.overlayChildren[:i], info.overlayChildren[i+1:]...)
		return nil
	}
	return errUnsupported
}

func (nodeOps) Stat(n *vfs.Node) (vfs.NodeInfo, *kernel.Error) {
	info := nodeOf(n)
	if info == nil {
		return vfs.NodeInfo{}, errInvalid
	}
	out := vfs.NodeInfo{Inode: info.fileRef}
	if info.isDir {
		out.Type = vfs.NodeDirectory
	} else {
		out.Type = vfs.NodeRegular
	}
	if info.overlay {
		out.Size = uint64(len(info.overlayData))
		return out, nil
	}
	out.Flags = vfs.FlagReadOnly
	out.Size = info.fileSize
	return out, nil
}
