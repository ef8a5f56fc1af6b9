package packfs_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/packlab/packfs"
	_ "github.com/packlab/packfs/backend/dir"
	"github.com/packlab/packfs/backend/mem"
	_ "github.com/packlab/packfs/backend/sqlar"
	_ "github.com/packlab/packfs/backend/zip"
	"github.com/packlab/packfs/log"
)

// newTestVFS creates an initialized filesystem that tears itself down when
// the test ends.
func newTestVFS(t *testing.T) *packfs.VFS {
	t.Helper()

	fs, err := packfs.New(packfs.WithLogLevel(log.Error))
	if err != nil {
		t.Fatalf("Failed to create vfs: %v", err)
	}
	if err := fs.Init(context.Background(), os.Args[0]); err != nil {
		t.Fatalf("Failed to initialize vfs: %v", err)
	}
	t.Cleanup(func() {
		if fs.Initialized() {
			fs.Deinit(context.Background())
		}
	})

	return fs
}

// readVirtual reads the full content of a virtual file.
func readVirtual(t *testing.T, fs *packfs.VFS, path string) []byte {
	t.Helper()

	f, err := fs.OpenRead(context.Background(), path)
	if err != nil {
		t.Fatalf("Open %s for read failed: %v", path, err)
	}
	defer f.Close()

	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll %s failed: %v", path, err)
	}
	return got
}

func expectStrings(t *testing.T, got []string, expected ...string) {
	t.Helper()

	if len(got) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("Expected %v, got %v", expected, got)
		}
	}
}

// TestVFS_Lifecycle verifies the init and deinit cycle including repeated
// and out-of-order calls.
func TestVFS_Lifecycle(t *testing.T) {
	ctx := context.Background()

	fs, err := packfs.New(packfs.WithLogLevel(log.Error))
	if err != nil {
		t.Fatalf("Failed to create vfs: %v", err)
	}
	if fs.Initialized() {
		t.Error("Expected uninitialized state after New")
	}

	if err := fs.Init(ctx, os.Args[0]); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if !fs.Initialized() {
		t.Error("Expected initialized state after Init")
	}
	if fs.BaseDir() == "" {
		t.Error("Expected base dir to be derived")
	}
	if fs.UserDir() == "" {
		t.Error("Expected user dir to be derived")
	}

	if err := fs.Init(ctx, os.Args[0]); !errors.Is(err, packfs.ErrAlreadyInitialized) {
		t.Errorf("Expected ErrAlreadyInitialized, got %v", err)
	}

	if err := fs.Deinit(ctx); err != nil {
		t.Fatalf("Deinit failed: %v", err)
	}
	if fs.Initialized() {
		t.Error("Expected uninitialized state after Deinit")
	}
	if fs.BaseDir() != "" {
		t.Error("Expected base dir to be cleared")
	}

	if err := fs.Deinit(ctx); !errors.Is(err, packfs.ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized, got %v", err)
	}

	// A deinitialized filesystem can be initialized again
	if err := fs.Init(ctx, os.Args[0]); err != nil {
		t.Fatalf("Reinit failed: %v", err)
	}
	if err := fs.Deinit(ctx); err != nil {
		t.Fatalf("Deinit after reinit failed: %v", err)
	}
}

// TestVFS_UninitializedOperations verifies every operation fails before Init
// without leaving any state behind.
func TestVFS_UninitializedOperations(t *testing.T) {
	ctx := context.Background()

	fs, err := packfs.New(packfs.WithLogLevel(log.Error))
	if err != nil {
		t.Fatalf("Failed to create vfs: %v", err)
	}

	backend := mem.NewMemBackend("early")
	if err := fs.MountBackend(ctx, backend, "/"); !errors.Is(err, packfs.ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized on mount, got %v", err)
	}
	if err := fs.SetWriteDir(ctx, t.TempDir()); !errors.Is(err, packfs.ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized on SetWriteDir, got %v", err)
	}
	if _, err := fs.Stat(ctx, "/file.txt"); !errors.Is(err, packfs.ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized on stat, got %v", err)
	}
	if _, err := fs.OpenRead(ctx, "/file.txt"); !errors.Is(err, packfs.ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized on open for read, got %v", err)
	}
	if _, err := fs.OpenWrite(ctx, "/file.txt"); !errors.Is(err, packfs.ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized on open for write, got %v", err)
	}
	if _, err := fs.ReadDir(ctx, "/"); !errors.Is(err, packfs.ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized on readdir, got %v", err)
	}
	if err := fs.Mkdir(ctx, "/dir"); !errors.Is(err, packfs.ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized on mkdir, got %v", err)
	}
	if err := fs.Delete(ctx, "/file.txt"); !errors.Is(err, packfs.ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized on delete, got %v", err)
	}
	if err := fs.Unmount(ctx, "mem://early"); !errors.Is(err, packfs.ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized on unmount, got %v", err)
	}
	if _, err := fs.Exists(ctx, "/file.txt"); err == nil {
		t.Error("Expected error from Exists before init")
	}

	// The failed calls must not have attached anything
	if err := fs.Init(ctx, os.Args[0]); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer fs.Deinit(ctx)

	if len(fs.SearchPath()) != 0 {
		t.Errorf("Expected empty search path, got %v", fs.SearchPath())
	}
	if fs.WriteDir() != "" {
		t.Errorf("Expected no write dir, got %q", fs.WriteDir())
	}
}

// TestVFS_DirOverrides verifies the base and user dir options replace the
// derived defaults.
func TestVFS_DirOverrides(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	user := t.TempDir()

	fs, err := packfs.New(
		packfs.WithLogLevel(log.Error),
		packfs.WithBaseDir(base),
		packfs.WithUserDir(user),
	)
	if err != nil {
		t.Fatalf("Failed to create vfs: %v", err)
	}
	if err := fs.Init(ctx, os.Args[0]); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer fs.Deinit(ctx)

	if fs.BaseDir() != base {
		t.Errorf("Expected base dir %q, got %q", base, fs.BaseDir())
	}
	if fs.UserDir() != user {
		t.Errorf("Expected user dir %q, got %q", user, fs.UserDir())
	}
}

// TestVFS_MountPrecedence verifies search path ordering: appended mounts are
// searched after existing ones, prepended mounts before, and the first mount
// that serves a path wins.
func TestVFS_MountPrecedence(t *testing.T) {
	ctx := context.Background()
	fs := newTestVFS(t)

	m1 := mem.NewMemBackend("m1")
	m1.Put("common.txt", []byte("from m1"))
	m1.Put("one.txt", []byte("1"))

	m2 := mem.NewMemBackend("m2")
	m2.Put("common.txt", []byte("from m2"))
	m2.Put("two.txt", []byte("2"))

	if err := fs.MountBackend(ctx, m1, "/"); err != nil {
		t.Fatalf("Failed to mount m1: %v", err)
	}
	if err := fs.MountBackend(ctx, m2, "/"); err != nil {
		t.Fatalf("Failed to mount m2: %v", err)
	}
	expectStrings(t, fs.SearchPath(), "mem://m1", "mem://m2")

	if got := readVirtual(t, fs, "/common.txt"); string(got) != "from m1" {
		t.Errorf("Expected %q, got %q", "from m1", got)
	}

	// The union lists every name once, earlier mounts first
	names, err := fs.Enumerate(ctx, "/")
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	expectStrings(t, names, "common.txt", "one.txt", "two.txt")

	// A prepended mount shadows everything behind it
	m3 := mem.NewMemBackend("m3")
	m3.Put("common.txt", []byte("from m3"))
	if err := fs.MountBackend(ctx, m3, "/", packfs.WithPrepend()); err != nil {
		t.Fatalf("Failed to mount m3: %v", err)
	}
	expectStrings(t, fs.SearchPath(), "mem://m3", "mem://m1", "mem://m2")

	if got := readVirtual(t, fs, "/common.txt"); string(got) != "from m3" {
		t.Errorf("Expected %q, got %q", "from m3", got)
	}

	// Removing the shadow restores the previous winner
	if err := fs.Unmount(ctx, "mem://m3"); err != nil {
		t.Fatalf("Unmount failed: %v", err)
	}
	if got := readVirtual(t, fs, "/common.txt"); string(got) != "from m1" {
		t.Errorf("Expected %q, got %q", "from m1", got)
	}
}

// TestVFS_MountErrors verifies duplicate mounts, unknown unmounts and the
// mount point queries.
func TestVFS_MountErrors(t *testing.T) {
	ctx := context.Background()
	fs := newTestVFS(t)

	m := mem.NewMemBackend("shared")
	if err := fs.MountBackend(ctx, m, "/assets"); err != nil {
		t.Fatalf("Failed to mount: %v", err)
	}

	// The same source cannot be attached twice
	dup := mem.NewMemBackend("shared")
	if err := fs.MountBackend(ctx, dup, "/other"); !errors.Is(err, packfs.ErrAlreadyMounted) {
		t.Errorf("Expected ErrAlreadyMounted, got %v", err)
	}

	point, err := fs.MountPoint("mem://shared")
	if err != nil {
		t.Fatalf("MountPoint failed: %v", err)
	}
	if point != "/assets" {
		t.Errorf("Expected mount point /assets, got %q", point)
	}
	if _, err := fs.MountPoint("mem://unknown"); !errors.Is(err, packfs.ErrNotMounted) {
		t.Errorf("Expected ErrNotMounted, got %v", err)
	}

	mounts := fs.Mounts()
	if len(mounts) != 1 {
		t.Fatalf("Expected 1 mount, got %d", len(mounts))
	}
	if mounts[0].Source != "mem://shared" || mounts[0].Point != "/assets" || mounts[0].Format != "mem" {
		t.Errorf("Unexpected mount info: %+v", mounts[0])
	}
	if mounts[0].MountedAt.IsZero() {
		t.Error("Expected mount timestamp to be set")
	}

	if err := fs.Unmount(ctx, "mem://unknown"); !errors.Is(err, packfs.ErrNotMounted) {
		t.Errorf("Expected ErrNotMounted, got %v", err)
	}

	// Unmount falls back to matching by mount point
	if err := fs.Unmount(ctx, "/assets"); err != nil {
		t.Fatalf("Unmount by point failed: %v", err)
	}
	if len(fs.SearchPath()) != 0 {
		t.Errorf("Expected empty search path, got %v", fs.SearchPath())
	}
}

// TestVFS_SubtreeMounts verifies mounts below the root synthesize their
// ancestor directories in stat and enumeration results.
func TestVFS_SubtreeMounts(t *testing.T) {
	ctx := context.Background()
	fs := newTestVFS(t)

	gfx := mem.NewMemBackend("gfx")
	gfx.Put("readme.txt", []byte("graphics pack"))
	gfx.Put("textures/wall.png", []byte("png bytes"))

	if err := fs.MountBackend(ctx, gfx, "/assets/graphics"); err != nil {
		t.Fatalf("Failed to mount: %v", err)
	}

	// Ancestors of the mount point appear as directories
	names, err := fs.Enumerate(ctx, "/")
	if err != nil {
		t.Fatalf("Enumerate root failed: %v", err)
	}
	expectStrings(t, names, "assets")

	info, err := fs.Stat(ctx, "/assets")
	if err != nil {
		t.Fatalf("Stat ancestor failed: %v", err)
	}
	if !info.IsDir() || info.Name != "assets" {
		t.Errorf("Unexpected ancestor info: %+v", info)
	}

	names, err = fs.Enumerate(ctx, "/assets")
	if err != nil {
		t.Fatalf("Enumerate ancestor failed: %v", err)
	}
	expectStrings(t, names, "graphics")

	names, err = fs.Enumerate(ctx, "/assets/graphics")
	if err != nil {
		t.Fatalf("Enumerate mount point failed: %v", err)
	}
	expectStrings(t, names, "readme.txt", "textures")

	info, err = fs.Stat(ctx, "/assets/graphics/textures/wall.png")
	if err != nil {
		t.Fatalf("Stat nested file failed: %v", err)
	}
	if info.IsDir() || info.Name != "wall.png" || info.Path != "/assets/graphics/textures/wall.png" {
		t.Errorf("Unexpected file info: %+v", info)
	}

	// Directories cannot be opened for reading, whether synthesized or real
	if _, err := fs.OpenRead(ctx, "/assets"); !errors.Is(err, packfs.ErrIsDirectory) {
		t.Errorf("Expected ErrIsDirectory for ancestor, got %v", err)
	}
	if _, err := fs.OpenRead(ctx, "/assets/graphics/textures"); !errors.Is(err, packfs.ErrIsDirectory) {
		t.Errorf("Expected ErrIsDirectory for backend directory, got %v", err)
	}

	ok, err := fs.Exists(ctx, "/assets/graphics/readme.txt")
	if err != nil || !ok {
		t.Errorf("Expected file to exist, got %v, %v", ok, err)
	}
	ok, err = fs.Exists(ctx, "/assets/graphics/missing.txt")
	if err != nil || ok {
		t.Errorf("Expected file to not exist, got %v, %v", ok, err)
	}
}

// TestVFS_ReadDirEdgeCases verifies enumeration of the bare root, files and
// missing paths.
func TestVFS_ReadDirEdgeCases(t *testing.T) {
	ctx := context.Background()
	fs := newTestVFS(t)

	// The root is a directory even with nothing mounted
	names, err := fs.Enumerate(ctx, "/")
	if err != nil {
		t.Fatalf("Enumerate empty root failed: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("Expected empty listing, got %v", names)
	}

	info, err := fs.Stat(ctx, "/")
	if err != nil {
		t.Fatalf("Stat root failed: %v", err)
	}
	if !info.IsDir() || info.Name != "/" {
		t.Errorf("Unexpected root info: %+v", info)
	}

	m := mem.NewMemBackend("files")
	m.Put("file.txt", []byte("plain"))
	if err := fs.MountBackend(ctx, m, "/"); err != nil {
		t.Fatalf("Failed to mount: %v", err)
	}

	if _, err := fs.ReadDir(ctx, "/file.txt"); !errors.Is(err, packfs.ErrNotDirectory) {
		t.Errorf("Expected ErrNotDirectory, got %v", err)
	}
	if _, err := fs.ReadDir(ctx, "/missing"); !errors.Is(err, packfs.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	infos, err := fs.ReadDir(ctx, "/")
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "file.txt" || infos[0].Path != "/file.txt" {
		t.Errorf("Unexpected listing: %+v", infos)
	}
}

// TestVFS_StreamSurvivesUnmount verifies open files keep their backend alive
// after the mount leaves the search path.
func TestVFS_StreamSurvivesUnmount(t *testing.T) {
	ctx := context.Background()
	fs := newTestVFS(t)

	saveData := []byte("hero at checkpoint 4\n")
	archive := filepath.Join(t.TempDir(), "pack.zip")
	buildZipArchive(t, archive, []archiveEntry{
		{name: "save.dat", data: saveData},
	})

	if err := fs.Mount(ctx, archive, "/packs"); err != nil {
		t.Fatalf("Failed to mount: %v", err)
	}

	f, err := fs.OpenRead(ctx, "/packs/save.dat")
	if err != nil {
		t.Fatalf("Open for read failed: %v", err)
	}

	if err := fs.Unmount(ctx, archive); err != nil {
		t.Fatalf("Unmount failed: %v", err)
	}
	if len(fs.SearchPath()) != 0 {
		t.Errorf("Expected empty search path, got %v", fs.SearchPath())
	}

	// New lookups no longer resolve
	if _, err := fs.Stat(ctx, "/packs/save.dat"); !errors.Is(err, packfs.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	// The open stream still reads; the archive only closed for new lookups
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll after unmount failed: %v", err)
	}
	if !bytes.Equal(got, saveData) {
		t.Errorf("Expected %q, got %q", saveData, got)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := f.Close(); !errors.Is(err, packfs.ErrClosed) {
		t.Errorf("Expected ErrClosed on second close, got %v", err)
	}
	if _, err := f.Read(make([]byte, 1)); !errors.Is(err, packfs.ErrClosed) {
		t.Errorf("Expected ErrClosed on read, got %v", err)
	}
}

// TestVFS_DeinitClosesStreams verifies deinit closes open files and detaches
// all mounts.
func TestVFS_DeinitClosesStreams(t *testing.T) {
	ctx := context.Background()
	fs := newTestVFS(t)

	m := mem.NewMemBackend("m")
	m.Put("data.txt", []byte("content"))
	if err := fs.MountBackend(ctx, m, "/"); err != nil {
		t.Fatalf("Failed to mount: %v", err)
	}
	if err := fs.SetWriteDir(ctx, t.TempDir()); err != nil {
		t.Fatalf("SetWriteDir failed: %v", err)
	}

	reader, err := fs.OpenRead(ctx, "/data.txt")
	if err != nil {
		t.Fatalf("Open for read failed: %v", err)
	}
	writer, err := fs.OpenWrite(ctx, "/out.txt")
	if err != nil {
		t.Fatalf("Open for write failed: %v", err)
	}
	if _, err := writer.Write([]byte("partial")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := fs.Deinit(ctx); err != nil {
		t.Fatalf("Deinit failed: %v", err)
	}
	if fs.Initialized() {
		t.Error("Expected uninitialized state after Deinit")
	}

	if _, err := reader.Read(make([]byte, 1)); !errors.Is(err, packfs.ErrClosed) {
		t.Errorf("Expected ErrClosed on read, got %v", err)
	}
	if _, err := writer.Write([]byte("more")); !errors.Is(err, packfs.ErrClosed) {
		t.Errorf("Expected ErrClosed on write, got %v", err)
	}
}

// TestVFS_WriteDir verifies write routing: configuration, isolation from the
// search path, directory management and teardown.
func TestVFS_WriteDir(t *testing.T) {
	ctx := context.Background()
	fs := newTestVFS(t)
	tmp := t.TempDir()

	// Only existing directories qualify
	if err := fs.SetWriteDir(ctx, filepath.Join(tmp, "missing")); !errors.Is(err, packfs.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	plain := filepath.Join(tmp, "plain.txt")
	if err := os.WriteFile(plain, []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if err := fs.SetWriteDir(ctx, plain); !errors.Is(err, packfs.ErrNotDirectory) {
		t.Errorf("Expected ErrNotDirectory, got %v", err)
	}

	// Without a write dir every mutation fails
	if _, err := fs.OpenWrite(ctx, "/save.dat"); !errors.Is(err, packfs.ErrNoWriteDir) {
		t.Errorf("Expected ErrNoWriteDir, got %v", err)
	}
	if err := fs.Mkdir(ctx, "/saves"); !errors.Is(err, packfs.ErrNoWriteDir) {
		t.Errorf("Expected ErrNoWriteDir, got %v", err)
	}
	if err := fs.Delete(ctx, "/save.dat"); !errors.Is(err, packfs.ErrNoWriteDir) {
		t.Errorf("Expected ErrNoWriteDir, got %v", err)
	}

	writeRoot := filepath.Join(tmp, "writes")
	if err := os.Mkdir(writeRoot, 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := fs.SetWriteDir(ctx, writeRoot); err != nil {
		t.Fatalf("SetWriteDir failed: %v", err)
	}
	if fs.WriteDir() != writeRoot {
		t.Errorf("Expected write dir %q, got %q", writeRoot, fs.WriteDir())
	}

	// Writes land in the write dir, creating parents as needed
	saveData := []byte("slot zero state")
	f, err := fs.OpenWrite(ctx, "/saves/slot0.dat")
	if err != nil {
		t.Fatalf("Open for write failed: %v", err)
	}
	if f.Name() != "/saves/slot0.dat" {
		t.Errorf("Expected name /saves/slot0.dat, got %q", f.Name())
	}
	if _, err := f.Write(saveData); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if f.Size() != int64(len(saveData)) {
		t.Errorf("Expected size %d, got %d", len(saveData), f.Size())
	}

	// Write handles are sequential and write-only
	if _, err := f.Read(make([]byte, 1)); !errors.Is(err, packfs.ErrPermission) {
		t.Errorf("Expected ErrPermission on read, got %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); !errors.Is(err, packfs.ErrPermission) {
		t.Errorf("Expected ErrPermission on seek, got %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	onDisk, err := os.ReadFile(filepath.Join(writeRoot, "saves", "slot0.dat"))
	if err != nil {
		t.Fatalf("Failed to read written file: %v", err)
	}
	if !bytes.Equal(onDisk, saveData) {
		t.Errorf("Expected %q on disk, got %q", saveData, onDisk)
	}

	// The write dir is not part of the search path
	if _, err := fs.Stat(ctx, "/saves/slot0.dat"); !errors.Is(err, packfs.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	// Append continues at the end, write truncates
	a, err := fs.OpenAppend(ctx, "/log.txt")
	if err != nil {
		t.Fatalf("Open for append failed: %v", err)
	}
	a.Write([]byte("one"))
	a.Close()

	a, err = fs.OpenAppend(ctx, "/log.txt")
	if err != nil {
		t.Fatalf("Open for append failed: %v", err)
	}
	a.Write([]byte(" two"))
	a.Close()

	onDisk, _ = os.ReadFile(filepath.Join(writeRoot, "log.txt"))
	if string(onDisk) != "one two" {
		t.Errorf("Expected %q, got %q", "one two", onDisk)
	}

	w, err := fs.OpenWrite(ctx, "/log.txt")
	if err != nil {
		t.Fatalf("Open for write failed: %v", err)
	}
	w.Write([]byte("reset"))
	w.Close()

	onDisk, _ = os.ReadFile(filepath.Join(writeRoot, "log.txt"))
	if string(onDisk) != "reset" {
		t.Errorf("Expected %q, got %q", "reset", onDisk)
	}

	if _, err := fs.OpenWrite(ctx, "/"); !errors.Is(err, packfs.ErrIsDirectory) {
		t.Errorf("Expected ErrIsDirectory, got %v", err)
	}

	// Directory management in the write dir
	if err := fs.Mkdir(ctx, "/data/nested"); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	fi, err := os.Stat(filepath.Join(writeRoot, "data", "nested"))
	if err != nil || !fi.IsDir() {
		t.Errorf("Expected directory on disk, got %v, %v", fi, err)
	}

	if err := fs.Delete(ctx, "/data/nested"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := fs.Delete(ctx, "/saves"); !errors.Is(err, packfs.ErrNotEmpty) {
		t.Errorf("Expected ErrNotEmpty, got %v", err)
	}
	if err := fs.Delete(ctx, "/saves/slot0.dat"); err != nil {
		t.Fatalf("Delete file failed: %v", err)
	}
	if err := fs.Delete(ctx, "/missing.txt"); !errors.Is(err, packfs.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := fs.Delete(ctx, "/"); !errors.Is(err, packfs.ErrInvalidPath) {
		t.Errorf("Expected ErrInvalidPath, got %v", err)
	}

	// An empty dir disables writing again
	if err := fs.SetWriteDir(ctx, ""); err != nil {
		t.Fatalf("SetWriteDir to empty failed: %v", err)
	}
	if fs.WriteDir() != "" {
		t.Errorf("Expected no write dir, got %q", fs.WriteDir())
	}
	if _, err := fs.OpenWrite(ctx, "/save.dat"); !errors.Is(err, packfs.ErrNoWriteDir) {
		t.Errorf("Expected ErrNoWriteDir, got %v", err)
	}
}

// TestVFS_WriteReadRoundTrip verifies the usual save game pattern: the write
// dir is also mounted, so written files become visible to reads.
func TestVFS_WriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs := newTestVFS(t)
	root := t.TempDir()

	if err := fs.SetWriteDir(ctx, root); err != nil {
		t.Fatalf("SetWriteDir failed: %v", err)
	}
	if err := fs.Mount(ctx, root, "/"); err != nil {
		t.Fatalf("Failed to mount write dir: %v", err)
	}

	content := []byte("difficulty=hard\n")
	f, err := fs.OpenWrite(ctx, "/prefs.ini")
	if err != nil {
		t.Fatalf("Open for write failed: %v", err)
	}
	if _, err := f.Write(content); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := readVirtual(t, fs, "/prefs.ini"); !bytes.Equal(got, content) {
		t.Errorf("Expected %q, got %q", content, got)
	}

	names, err := fs.Enumerate(ctx, "/")
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	expectStrings(t, names, "prefs.ini")

	if err := fs.Delete(ctx, "/prefs.ini"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	ok, err := fs.Exists(ctx, "/prefs.ini")
	if err != nil || ok {
		t.Errorf("Expected file to be gone, got %v, %v", ok, err)
	}
}

// TestVFS_FormatProbing verifies mount sources are matched to formats by
// extension, by file header, or by explicit override.
func TestVFS_FormatProbing(t *testing.T) {
	ctx := context.Background()
	fs := newTestVFS(t)
	tmp := t.TempDir()

	entries := []archiveEntry{{name: "readme.txt", data: []byte("packed")}}

	// Known extension
	zipPath := filepath.Join(tmp, "assets.zip")
	buildZipArchive(t, zipPath, entries)
	if err := fs.Mount(ctx, zipPath, "/byext"); err != nil {
		t.Fatalf("Failed to mount by extension: %v", err)
	}
	if got := readVirtual(t, fs, "/byext/readme.txt"); string(got) != "packed" {
		t.Errorf("Expected %q, got %q", "packed", got)
	}

	// Foreign extension, recognized by header
	datPath := filepath.Join(tmp, "bundle.dat")
	buildZipArchive(t, datPath, entries)
	if err := fs.Mount(ctx, datPath, "/byheader"); err != nil {
		t.Fatalf("Failed to mount by header: %v", err)
	}
	if _, err := fs.Stat(ctx, "/byheader/readme.txt"); err != nil {
		t.Errorf("Stat through header probe failed: %v", err)
	}

	// Database header selects the sqlar format
	dbPath := filepath.Join(tmp, "state.db")
	buildSqlarArchive(t, dbPath, entries)
	if err := fs.Mount(ctx, dbPath, "/bydb"); err != nil {
		t.Fatalf("Failed to mount database archive: %v", err)
	}
	if got := readVirtual(t, fs, "/bydb/readme.txt"); string(got) != "packed" {
		t.Errorf("Expected %q, got %q", "packed", got)
	}

	// Explicit format skips probing
	binPath := filepath.Join(tmp, "raw.bin")
	buildZipArchive(t, binPath, entries)
	if err := fs.Mount(ctx, binPath, "/forced", packfs.WithFormat("zip")); err != nil {
		t.Fatalf("Failed to mount with explicit format: %v", err)
	}

	// Unregistered explicit format
	if err := fs.Mount(ctx, binPath, "/bad", packfs.WithFormat("tar")); !errors.Is(err, packfs.ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}

	// Unrecognizable content
	plain := filepath.Join(tmp, "notes.txt")
	if err := os.WriteFile(plain, []byte("just some text\n"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if err := fs.Mount(ctx, plain, "/plain"); !errors.Is(err, packfs.ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}

	// Missing source
	if err := fs.Mount(ctx, filepath.Join(tmp, "missing.zip"), "/m"); !errors.Is(err, packfs.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	// Recognized but unreadable archive
	broken := filepath.Join(tmp, "broken.zip")
	if err := os.WriteFile(broken, []byte("PK\x03\x04 and then garbage"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if err := fs.Mount(ctx, broken, "/broken"); !errors.Is(err, packfs.ErrCorruptArchive) {
		t.Errorf("Expected ErrCorruptArchive, got %v", err)
	}
}

// TestVFS_ArchiveMounts verifies enumerating and reading a mounted archive
// across both archive formats.
func TestVFS_ArchiveMounts(t *testing.T) {
	saveData := []byte("hero=4\nzone=catacombs\n")
	entries := []archiveEntry{
		{name: "save.dat", data: saveData},
		{name: "levels", dir: true},
		{name: "levels/intro.lvl", data: []byte("level geometry")},
	}

	builders := map[string]func(tst *testing.T) string{
		"zip": func(tst *testing.T) string {
			path := filepath.Join(tst.TempDir(), "game.zip")
			buildZipArchive(tst, path, entries)
			return path
		},
		"sqlar": func(tst *testing.T) string {
			path := filepath.Join(tst.TempDir(), "game.sqlar")
			buildSqlarArchive(tst, path, entries)
			return path
		},
	}

	for name, build := range builders {
		t.Run(name, func(tst *testing.T) {
			ctx := context.Background()
			fs := newTestVFS(tst)

			archive := build(tst)
			if err := fs.Mount(ctx, archive, "/game"); err != nil {
				tst.Fatalf("Failed to mount: %v", err)
			}

			mounts := fs.Mounts()
			if len(mounts) != 1 || mounts[0].Format != name {
				tst.Errorf("Expected format %q, got %+v", name, mounts)
			}

			names, err := fs.Enumerate(ctx, "/game")
			if err != nil {
				tst.Fatalf("Enumerate failed: %v", err)
			}
			expectStrings(tst, names, "save.dat", "levels")

			if got := readVirtual(tst, fs, "/game/save.dat"); !bytes.Equal(got, saveData) {
				tst.Errorf("Expected %q, got %q", saveData, got)
			}

			info, err := fs.Stat(ctx, "/game/levels")
			if err != nil || !info.IsDir() {
				tst.Errorf("Expected directory, got %+v, %v", info, err)
			}

			if got := readVirtual(tst, fs, "/game/levels/intro.lvl"); string(got) != "level geometry" {
				tst.Errorf("Expected %q, got %q", "level geometry", got)
			}

			// Read streams seek but never write
			f, err := fs.OpenRead(ctx, "/game/save.dat")
			if err != nil {
				tst.Fatalf("Open for read failed: %v", err)
			}
			defer f.Close()

			if _, err := f.Seek(5, io.SeekStart); err != nil {
				tst.Fatalf("Seek failed: %v", err)
			}
			got, err := io.ReadAll(f)
			if err != nil {
				tst.Fatalf("ReadAll after seek failed: %v", err)
			}
			if !bytes.Equal(got, saveData[5:]) {
				tst.Errorf("Expected %q, got %q", saveData[5:], got)
			}
			if _, err := f.Write([]byte("nope")); !errors.Is(err, packfs.ErrPermission) {
				tst.Errorf("Expected ErrPermission on write, got %v", err)
			}
		})
	}
}

// TestVFS_DirMountExactBytes verifies a mounted directory serves file
// contents byte for byte.
func TestVFS_DirMountExactBytes(t *testing.T) {
	ctx := context.Background()
	fs := newTestVFS(t)
	root := t.TempDir()

	content := []byte("renderer=vulkan\nvolume=0.8\n")
	if err := os.WriteFile(filepath.Join(root, "config.txt"), content, 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if err := os.Mkdir(filepath.Join(root, "shaders"), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "shaders", "main.glsl"), []byte("void main() {}\n"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	if err := fs.Mount(ctx, root, "/"); err != nil {
		t.Fatalf("Failed to mount: %v", err)
	}

	if got := readVirtual(t, fs, "/config.txt"); !bytes.Equal(got, content) {
		t.Errorf("Expected %q, got %q", content, got)
	}

	info, err := fs.Stat(ctx, "/config.txt")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size != int64(len(content)) {
		t.Errorf("Expected size %d, got %d", len(content), info.Size)
	}

	names, err := fs.Enumerate(ctx, "/")
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	expectStrings(t, names, "config.txt", "shaders")

	if got := readVirtual(t, fs, "/shaders/main.glsl"); string(got) != "void main() {}\n" {
		t.Errorf("Expected shader source, got %q", got)
	}
}

// TestVFS_ConcurrentMountChurn verifies readers stay consistent while mounts
// are attached and detached concurrently.
func TestVFS_ConcurrentMountChurn(t *testing.T) {
	ctx := context.Background()
	fs := newTestVFS(t)

	content := []byte("steady state")
	base := mem.NewMemBackend("base")
	base.Put("data.txt", content)
	if err := fs.MountBackend(ctx, base, "/"); err != nil {
		t.Fatalf("Failed to mount: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for j := 0; j < 200; j++ {
				f, err := fs.OpenRead(gctx, "/data.txt")
				if err != nil {
					return fmt.Errorf("open: %w", err)
				}
				got, err := io.ReadAll(f)
				f.Close()
				if err != nil {
					return fmt.Errorf("read: %w", err)
				}
				if !bytes.Equal(got, content) {
					return fmt.Errorf("unexpected content %q", got)
				}

				names, err := fs.Enumerate(gctx, "/")
				if err != nil {
					return fmt.Errorf("enumerate: %w", err)
				}
				seen := false
				for _, name := range names {
					if name == "data.txt" {
						seen = true
					}
				}
				if !seen {
					return fmt.Errorf("data.txt missing from %v", names)
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		for j := 0; j < 50; j++ {
			extra := mem.NewMemBackend("extra")
			extra.Put("blob.bin", []byte("transient"))
			if err := fs.MountBackend(gctx, extra, "/extra", packfs.WithPrepend()); err != nil {
				return fmt.Errorf("mount: %w", err)
			}
			if err := fs.Unmount(gctx, "mem://extra"); err != nil {
				return fmt.Errorf("unmount: %w", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		t.Fatalf("Concurrent access failed: %v", err)
	}
	expectStrings(t, fs.SearchPath(), "mem://base")
}

// TestVFS_InvalidPaths verifies malformed virtual paths are rejected before
// touching any mount.
func TestVFS_InvalidPaths(t *testing.T) {
	ctx := context.Background()
	fs := newTestVFS(t)

	if _, err := fs.Stat(ctx, "windows\\style"); !errors.Is(err, packfs.ErrInvalidPath) {
		t.Errorf("Expected ErrInvalidPath, got %v", err)
	}
	if _, err := fs.OpenRead(ctx, "/../escape"); !errors.Is(err, packfs.ErrInvalidPath) {
		t.Errorf("Expected ErrInvalidPath, got %v", err)
	}
	if err := fs.Mkdir(ctx, "/a/../../b"); !errors.Is(err, packfs.ErrInvalidPath) {
		t.Errorf("Expected ErrInvalidPath, got %v", err)
	}

	m := mem.NewMemBackend("paths")
	if err := fs.MountBackend(ctx, m, "bad\\point"); !errors.Is(err, packfs.ErrInvalidPath) {
		t.Errorf("Expected ErrInvalidPath, got %v", err)
	}
	if len(fs.SearchPath()) != 0 {
		t.Errorf("Expected empty search path, got %v", fs.SearchPath())
	}
}
