package vfs_test

import (
	"io"
	"testing"

	"novaos/kernel"
	"novaos/vfs"
	"novaos/vfs/ramfs"
)

func newRootedVFS(t *testing.T) *vfs.VFS {
	t.Helper()
	v := vfs.New(io.Discard)
	ram := ramfs.New()
	if err := v.RegisterFileSystem(ram); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := v.Mount("/", ram, nil); err != nil {
		t.Fatalf("mount /: %v", err)
	}
	return v
}

func TestMountRootTwiceReturnsExists(t *testing.T) {
	v := newRootedVFS(t)
	if _, err := v.Mount("/", ramfs.New(), nil); err == nil || err.Kind != kernel.ErrExists {
		t.Fatalf("expected ErrExists; got %v", err)
	}
}

func TestUnmountRootReturnsBusy(t *testing.T) {
	v := newRootedVFS(t)
	if err := v.Unmount("/"); err == nil || err.Kind != kernel.ErrBusy {
		t.Fatalf("expected ErrBusy; got %v", err)
	}
}

func TestResolveInvalidPaths(t *testing.T) {
	v := newRootedVFS(t)
	for _, p := range []string{"", "relative"} {
		if _, err := v.Resolve(p); err == nil || err.Kind != kernel.ErrInvalid {
			t.Errorf("Resolve(%q): expected ErrInvalid; got %v", p, err)
		}
	}
}

func TestRegisterDuplicateFilesystem(t *testing.T) {
	v := vfs.New(io.Discard)
	if err := v.RegisterFileSystem(ramfs.New()); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := v.RegisterFileSystem(ramfs.New()); err == nil || err.Kind != kernel.ErrExists {
		t.Fatalf("expected ErrExists; got %v", err)
	}
}

func TestCreateRemoveRoundTrip(t *testing.T) {
	v := newRootedVFS(t)
	if err := v.Create("/dir", vfs.NodeDirectory); err != nil {
		t.Fatalf("create /dir: %v", err)
	}
	if err := v.Create("/dir/file", vfs.NodeRegular); err != nil {
		t.Fatalf("create /dir/file: %v", err)
	}
	if !v.FileExists("/dir/file") {
		t.Fatal("expected /dir/file to exist")
	}
	if err := v.Remove("/dir/file"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if v.FileExists("/dir/file") {
		t.Fatal("expected /dir/file to be gone")
	}
	if err := v.Remove("/dir"); err != nil {
		t.Fatalf("remove /dir: %v", err)
	}
	if v.DirectoryExists("/dir") {
		t.Fatal("expected /dir to be gone")
	}
}

func TestCreateExistingReturnsExists(t *testing.T) {
	v := newRootedVFS(t)
	if err := v.Create("/f", vfs.NodeRegular); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.Create("/f", vfs.NodeRegular); err == nil || err.Kind != kernel.ErrExists {
		t.Fatalf("expected ErrExists; got %v", err)
	}
	if err := v.Create("/", vfs.NodeDirectory); err == nil || err.Kind != kernel.ErrExists {
		t.Fatalf("create /: expected ErrExists; got %v", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	v := newRootedVFS(t)
	if err := v.Create("/data", vfs.NodeRegular); err != nil {
		t.Fatalf("create: %v", err)
	}

	payload := []byte("the quick brown fox jumps over the lazy dog")

	h, err := v.Open("/data", vfs.OpenWrite)
	if err != nil {
		t.Fatalf("open for write: %v", err)
	}
	if n, wErr := h.Write(payload); wErr != nil || n != len(payload) {
		t.Fatalf("write: n=%d err=%v", n, wErr)
	}
	if cErr := h.Close(); cErr != nil {
		t.Fatalf("close: %v", cErr)
	}

	h, err = v.Open("/data", vfs.OpenRead)
	if err != nil {
		t.Fatalf("open for read: %v", err)
	}
	defer h.Close()

	got := make([]byte, len(payload))
	if n, rErr := h.Read(got); rErr != nil || n != len(payload) {
		t.Fatalf("read: n=%d err=%v", n, rErr)
	}
	if string(got) != string(payload) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestHandleEnforcesMode(t *testing.T) {
	v := newRootedVFS(t)
	if err := v.Create("/f", vfs.NodeRegular); err != nil {
		t.Fatalf("create: %v", err)
	}

	h, err := v.Open("/f", vfs.OpenRead)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()
	if _, wErr := h.Write([]byte("x")); wErr == nil || wErr.Kind != kernel.ErrAccess {
		t.Fatalf("expected ErrAccess on write via read-only handle; got %v", wErr)
	}

	wh, err := v.Open("/f", vfs.OpenWrite)
	if err != nil {
		t.Fatalf("open for write: %v", err)
	}
	defer wh.Close()
	buf := make([]byte, 4)
	if _, rErr := wh.Read(buf); rErr == nil || rErr.Kind != kernel.ErrAccess {
		t.Fatalf("expected ErrAccess on read via write-only handle; got %v", rErr)
	}
}

func TestSeek(t *testing.T) {
	v := newRootedVFS(t)
	if err := v.Create("/f", vfs.NodeRegular); err != nil {
		t.Fatalf("create: %v", err)
	}
	h, err := v.Open("/f", vfs.OpenRead|vfs.OpenWrite)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()

	if _, wErr := h.Write([]byte("0123456789")); wErr != nil {
		t.Fatalf("write: %v", wErr)
	}

	pos, sErr := h.Seek(2, vfs.SeekSet)
	if sErr != nil || pos != 2 {
		t.Fatalf("seek set: pos=%d err=%v", pos, sErr)
	}
	pos, sErr = h.Seek(3, vfs.SeekCur)
	if sErr != nil || pos != 5 {
		t.Fatalf("seek cur: pos=%d err=%v", pos, sErr)
	}
	pos, sErr = h.Seek(-2, vfs.SeekEnd)
	if sErr != nil || pos != 8 {
		t.Fatalf("seek end: pos=%d err=%v", pos, sErr)
	}
	if _, sErr = h.Seek(-1, vfs.SeekSet); sErr == nil || sErr.Kind != kernel.ErrInvalid {
		t.Fatalf("expected ErrInvalid for negative absolute seek; got %v", sErr)
	}

	buf := make([]byte, 2)
	if n, rErr := h.Read(buf); rErr != nil || n != 2 || string(buf) != "89" {
		t.Fatalf("read after seek: n=%d buf=%q err=%v", n, buf, rErr)
	}
}

func TestCacheLRUScenario(t *testing.T) {
	v := newRootedVFS(t)
	for _, p := range []string{"/a", "/b", "/c"} {
		if err := v.Create(p, vfs.NodeDirectory); err != nil {
			t.Fatalf("create %s: %v", p, err)
		}
	}

	v.SetCacheCapacity(2)
	v.FlushCache()
	v.ResetCacheStats()

	for _, p := range []string{"/a", "/b", "/c"} {
		if _, err := v.Resolve(p); err != nil {
			t.Fatalf("resolve %s: %v", p, err)
		}
	}

	stats := v.CacheStats()
	if stats.Misses != 3 || stats.Hits != 0 {
		t.Fatalf("expected misses=3 hits=0; got misses=%d hits=%d", stats.Misses, stats.Hits)
	}
	if stats.Entries != 2 {
		t.Fatalf("expected 2 entries; got %d", stats.Entries)
	}

	// /b and /c should hit, /a was evicted.
	if _, err := v.Resolve("/c"); err != nil {
		t.Fatalf("resolve /c: %v", err)
	}
	stats = v.CacheStats()
	if stats.Hits != 1 {
		t.Fatalf("expected a hit on /c; got hits=%d", stats.Hits)
	}
}

func TestMountEvictsCacheUnderPath(t *testing.T) {
	v := newRootedVFS(t)
	if err := v.Create("/mnt", vfs.NodeDirectory); err != nil {
		t.Fatalf("create /mnt: %v", err)
	}
	if err := v.Create("/mnt/old", vfs.NodeRegular); err != nil {
		t.Fatalf("create /mnt/old: %v", err)
	}
	if _, err := v.Resolve("/mnt/old"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	sub := ramfs.New()
	if _, err := v.Mount("/mnt", sub, nil); err != nil {
		t.Fatalf("mount /mnt: %v", err)
	}

	// The node under the new mount point must no longer be served from
	// the cache: the submount's root is empty.
	if v.FileExists("/mnt/old") {
		t.Fatal("expected /mnt/old to be hidden by the new mount")
	}
}

func TestMountSelectionPrefersLongestPrefix(t *testing.T) {
	v := newRootedVFS(t)
	if err := v.Create("/mnt", vfs.NodeDirectory); err != nil {
		t.Fatalf("create: %v", err)
	}
	sub := ramfs.New()
	m, err := v.Mount("/mnt/sd0", sub, nil)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}

	node, rErr := v.Resolve("/mnt/sd0")
	if rErr != nil {
		t.Fatalf("resolve: %v", rErr)
	}
	if node != m.Root {
		t.Fatal("expected the submount root")
	}
	if node.Flags&vfs.FlagMountpoint == 0 {
		t.Fatal("expected the mountpoint flag on the submount root")
	}

	if err := v.Create("/mnt/sd0/f", vfs.NodeRegular); err != nil {
		t.Fatalf("create on submount: %v", err)
	}
	got, rErr := v.Resolve("/mnt/sd0/f")
	if rErr != nil {
		t.Fatalf("resolve /mnt/sd0/f: %v", rErr)
	}
	if got.Parent != m.Root {
		t.Fatal("expected the file's parent chain to terminate at the submount root")
	}
}

func TestUnmountDetaches(t *testing.T) {
	v := newRootedVFS(t)
	sub := ramfs.New()
	if _, err := v.Mount("/data", sub, nil); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if err := v.Create("/data/f", vfs.NodeRegular); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.Unmount("/data"); err != nil {
		t.Fatalf("unmount: %v", err)
	}
	if v.GetMount("/data") != nil {
		t.Fatal("expected the mount to be gone")
	}
	if v.FileExists("/data/f") {
		t.Fatal("expected /data/f to be unreachable after unmount")
	}
	if err := v.Unmount("/data"); err == nil || err.Kind != kernel.ErrNotFound {
		t.Fatalf("double unmount: expected ErrNotFound; got %v", err)
	}
}

func TestDirectoryContents(t *testing.T) {
	v := newRootedVFS(t)
	for _, p := range []string{"/x", "/y"} {
		if err := v.Create(p, vfs.NodeRegular); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := v.Create("/z", vfs.NodeDirectory); err != nil {
		t.Fatalf("create: %v", err)
	}

	entries, err := v.DirectoryContents("/")
	if err != nil {
		t.Fatalf("contents: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries; got %d", len(entries))
	}
	if entries[0].Name != "x" || entries[1].Name != "y" || entries[2].Name != "z" {
		t.Fatalf("unexpected order: %v", entries)
	}
	if entries[2].Type != vfs.NodeDirectory {
		t.Fatal("expected /z to list as a directory")
	}
}

func TestDotDotWalk(t *testing.T) {
	v := newRootedVFS(t)
	if err := v.Create("/a", vfs.NodeDirectory); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.Create("/b", vfs.NodeRegular); err != nil {
		t.Fatalf("create: %v", err)
	}
	node, err := v.Resolve("/a/../b")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if node.Name != "b" || node.Type != vfs.NodeRegular {
		t.Fatalf("expected /b; got %s", node.Name)
	}
}
