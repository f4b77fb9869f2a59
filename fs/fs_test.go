package fs

import (
	"os"
	"testing"

	"rvkernel/defs"
	"rvkernel/proc"
	"rvkernel/stat"
	"rvkernel/util"
	"rvkernel/virtio"
)

const (
	testSizeBlocks = 256
	testNinodes    = 50
	testNlog       = 16
)

func newTestVolume(t *testing.T, sizeBlocks int) (*Fs_t, *proc.Proc_t) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "fs-*.img")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if err := f.Truncate(int64(sizeBlocks) * BSIZE); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	disk := virtio.Open(f)
	t.Cleanup(func() {
		disk.Close()
		f.Close()
	})

	p := proc.NewTestProc()
	volume := NewFs(p, disk, sizeBlocks, testNinodes, testNlog)
	return volume, p
}

func TestFormatProducesMountableRoot(t *testing.T) {
	volume, p := newTestVolume(t, testSizeBlocks)
	if volume.sb.Magic() != FSMAGIC {
		t.Fatalf("superblock magic after format: got %#x, want %#x", volume.sb.Magic(), FSMAGIC)
	}

	root := volume.Iget(ROOTDEV, ROOTINO)
	volume.Ilock(p, root)
	if root.Type != defs.T_DIR {
		t.Fatalf("root inode type: got %d, want T_DIR", root.Type)
	}
	if root.Nlink != 2 {
		t.Fatalf("root inode nlink: got %d, want 2", root.Nlink)
	}
	volume.IunlockPut(root)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	volume, p := newTestVolume(t, testSizeBlocks)

	ip, errt := volume.Create(p, "/greeting", defs.T_FILE)
	if errt != 0 {
		t.Fatalf("Create: error %d", errt)
	}

	msg := []byte("hello from the block layer")
	volume.BeginOp(p)
	n := volume.Writei(p, ip, false, msg, 0, 0, len(msg))
	volume.EndOp(p)
	if n != len(msg) {
		t.Fatalf("Writei: wrote %d bytes, want %d", n, len(msg))
	}
	volume.IunlockPut(ip)

	found := volume.Namei(p, "/greeting")
	if found == nil {
		t.Fatal("Namei could not resolve the file just created")
	}
	volume.Ilock(p, found)
	buf := make([]byte, len(msg))
	if got := volume.Readi(p, found, false, buf, 0, 0, len(buf)); got != len(buf) {
		t.Fatalf("Readi: got %d bytes, want %d", got, len(buf))
	}
	if string(buf) != string(msg) {
		t.Fatalf("round-tripped content = %q, want %q", buf, msg)
	}
	volume.IunlockPut(found)
}

func TestCreateOnExistingFileReturnsSameInode(t *testing.T) {
	volume, p := newTestVolume(t, testSizeBlocks)

	ip1, errt := volume.Create(p, "/a", defs.T_FILE)
	if errt != 0 {
		t.Fatalf("first Create: error %d", errt)
	}
	volume.IunlockPut(ip1)

	ip2, errt := volume.Create(p, "/a", defs.T_FILE)
	if errt != 0 {
		t.Fatalf("second Create on an existing file: error %d", errt)
	}
	if ip2.Inum != ip1.Inum {
		t.Fatalf("second Create returned a different inode: %d vs %d", ip2.Inum, ip1.Inum)
	}
	volume.IunlockPut(ip2)
}

func TestCreateDuplicateDirectoryIsEEXIST(t *testing.T) {
	volume, p := newTestVolume(t, testSizeBlocks)

	ip, errt := volume.Create(p, "/d", defs.T_DIR)
	if errt != 0 {
		t.Fatalf("Create dir: error %d", errt)
	}
	volume.IunlockPut(ip)

	_, errt = volume.Create(p, "/d", defs.T_DIR)
	if errt != -defs.EEXIST {
		t.Fatalf("Create over an existing dir: got error %d, want %d", errt, -defs.EEXIST)
	}
}

func TestUnlinkKeepsContentUntilLastReference(t *testing.T) {
	volume, p := newTestVolume(t, testSizeBlocks)

	ip, errt := volume.Create(p, "/keep", defs.T_FILE)
	if errt != 0 {
		t.Fatalf("Create: error %d", errt)
	}
	data := []byte("durable content")
	volume.BeginOp(p)
	volume.Writei(p, ip, false, data, 0, 0, len(data))
	volume.EndOp(p)
	volume.IunlockPut(ip)

	held := volume.Namei(p, "/keep")
	if held == nil {
		t.Fatal("Namei could not find /keep before unlinking")
	}

	if errt := volume.Unlink(p, "/keep"); errt != 0 {
		t.Fatalf("Unlink: error %d", errt)
	}
	if found := volume.Namei(p, "/keep"); found != nil {
		volume.Iput(found)
		t.Fatal("Namei still resolves /keep after Unlink")
	}

	volume.Ilock(p, held)
	buf := make([]byte, len(data))
	if n := volume.Readi(p, held, false, buf, 0, 0, len(buf)); n != len(buf) || string(buf) != string(data) {
		t.Fatalf("content lost before the last reference was released: n=%d buf=%q", n, buf)
	}
	// This is the final reference: IunlockPut's Iput will truncate the
	// inode, which writes through the log and so needs an active
	// transaction, exactly as Unlink's own caller must provide one.
	volume.BeginOp(p)
	volume.IunlockPut(held)
	volume.EndOp(p)
}

func TestUnlinkNonexistentIsENOENT(t *testing.T) {
	volume, p := newTestVolume(t, testSizeBlocks)
	if errt := volume.Unlink(p, "/nosuch"); errt != -defs.ENOENT {
		t.Fatalf("Unlink of a missing path: got error %d, want %d", errt, -defs.ENOENT)
	}
}

func TestNameiParentRejectsMissingIntermediateDir(t *testing.T) {
	volume, p := newTestVolume(t, testSizeBlocks)
	if ip, _ := volume.NameiParent(p, "/nosuch/file"); ip != nil {
		volume.Iput(ip)
		t.Fatal("NameiParent resolved a path through a nonexistent directory")
	}
}

func TestReaddirListsCreatedEntries(t *testing.T) {
	volume, p := newTestVolume(t, testSizeBlocks)

	dir, errt := volume.Create(p, "/sub", defs.T_DIR)
	if errt != 0 {
		t.Fatalf("Create dir: error %d", errt)
	}
	volume.IunlockPut(dir)

	for _, name := range []string{"/sub/one", "/sub/two"} {
		ip, errt := volume.Create(p, name, defs.T_FILE)
		if errt != 0 {
			t.Fatalf("Create %s: error %d", name, errt)
		}
		volume.IunlockPut(ip)
	}

	sub := volume.Namei(p, "/sub")
	if sub == nil {
		t.Fatal("Namei could not resolve /sub")
	}
	volume.Ilock(p, sub)
	names := volume.Readdir(p, sub)
	volume.IunlockPut(sub)

	want := map[string]bool{".": true, "..": true, "one": true, "two": true}
	if len(names) != len(want) {
		t.Fatalf("Readdir returned %v, want entries matching %v", names, want)
	}
	for _, n := range names {
		if !want[n] {
			t.Fatalf("Readdir returned unexpected entry %q", n)
		}
	}
}

func TestDirlinkRejectsDuplicateName(t *testing.T) {
	volume, p := newTestVolume(t, testSizeBlocks)

	root := volume.Iget(ROOTDEV, ROOTINO)
	volume.Ilock(p, root)

	volume.BeginOp(p)
	ip := volume.Ialloc(p, ROOTDEV, defs.T_FILE)
	volume.Ilock(p, ip)
	ip.Nlink = 1
	volume.Iupdate(ip)
	if errt := volume.Dirlink(p, root, "dup", ip.Inum); errt != 0 {
		volume.EndOp(p)
		t.Fatalf("first Dirlink: error %d", errt)
	}
	errt := volume.Dirlink(p, root, "dup", ip.Inum)
	volume.EndOp(p)
	if errt != -defs.EEXIST {
		t.Fatalf("duplicate Dirlink: got error %d, want %d", errt, -defs.EEXIST)
	}
	volume.IunlockPut(ip)
	volume.IunlockPut(root)
}

func TestLogRecoversCommittedTransaction(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "fs-log-*.img")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if err := f.Truncate(int64(testSizeBlocks) * BSIZE); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	disk := virtio.Open(f)
	t.Cleanup(func() {
		disk.Close()
		f.Close()
	})

	bc := NewBcache(disk)
	var sb Superblock_t
	sb.SetMagic(FSMAGIC)
	sb.SetLogstart(2)
	sb.SetNlog(testNlog)

	// Simulate a crash that happened right after the commit point (header
	// written with count > 0) but before the destination block was
	// installed: write the header and one shadow block directly, bypassing
	// Log_t.commit entirely.
	const destBlock = 30
	hdr := bc.Bread(ROOTDEV, uint32(sb.Logstart()))
	util.Writen(hdr.Data[:], 4, 0, 1)
	util.Writen(hdr.Data[:], 4, 4, destBlock)
	bc.Bwrite(hdr)
	bc.Brelse(hdr)

	shadow := bc.Bread(ROOTDEV, uint32(sb.Logstart()+1))
	for i := range shadow.Data {
		shadow.Data[i] = 0xAB
	}
	bc.Bwrite(shadow)
	bc.Brelse(shadow)

	before := bc.Bread(ROOTDEV, destBlock)
	if before.Data[0] == 0xAB {
		t.Fatal("precondition violated: destination already has the pattern")
	}
	bc.Brelse(before)

	NewLog(ROOTDEV, &sb, bc) // recovery runs in the constructor

	after := bc.Bread(ROOTDEV, destBlock)
	defer bc.Brelse(after)
	if after.Data[0] != 0xAB {
		t.Fatal("recovery did not install the committed transaction")
	}

	hdrAfter := bc.Bread(ROOTDEV, uint32(sb.Logstart()))
	defer bc.Brelse(hdrAfter)
	if count := util.Readn(hdrAfter.Data[:], 4, 0); count != 0 {
		t.Fatalf("log header count after recovery: got %d, want 0", count)
	}
}

func TestRemountPreservesContent(t *testing.T) {
	imgPath := func() string {
		f, err := os.CreateTemp(t.TempDir(), "fs-remount-*.img")
		if err != nil {
			t.Fatalf("CreateTemp: %v", err)
		}
		defer f.Close()
		if err := f.Truncate(int64(testSizeBlocks) * BSIZE); err != nil {
			t.Fatalf("Truncate: %v", err)
		}
		return f.Name()
	}()

	f1, err := os.OpenFile(imgPath, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("open for format: %v", err)
	}
	disk1 := virtio.Open(f1)
	p1 := proc.NewTestProc()
	volume1 := NewFs(p1, disk1, testSizeBlocks, testNinodes, testNlog)

	ip, errt := volume1.Create(p1, "/persisted", defs.T_FILE)
	if errt != 0 {
		t.Fatalf("Create: error %d", errt)
	}
	data := []byte("still here after remount")
	volume1.BeginOp(p1)
	volume1.Writei(p1, ip, false, data, 0, 0, len(data))
	volume1.EndOp(p1)
	volume1.IunlockPut(ip)
	disk1.Close()
	f1.Close()

	f2, err := os.OpenFile(imgPath, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	disk2 := virtio.Open(f2)
	defer func() {
		disk2.Close()
		f2.Close()
	}()
	p2 := proc.NewTestProc()
	volume2 := NewFs(p2, disk2, testSizeBlocks, testNinodes, testNlog)
	if volume2.sb.Magic() != FSMAGIC {
		t.Fatal("remounted volume lost its superblock magic")
	}

	found := volume2.Namei(p2, "/persisted")
	if found == nil {
		t.Fatal("remounted volume lost the file created before close")
	}
	volume2.Ilock(p2, found)
	buf := make([]byte, len(data))
	if n := volume2.Readi(p2, found, false, buf, 0, 0, len(buf)); n != len(buf) || string(buf) != string(data) {
		t.Fatalf("remounted content = %q (n=%d), want %q", buf, n, data)
	}
	volume2.IunlockPut(found)
}

func TestStatReportsInodeMetadata(t *testing.T) {
	volume, p := newTestVolume(t, testSizeBlocks)

	ip, errt := volume.Create(p, "/f", defs.T_FILE)
	if errt != 0 {
		t.Fatalf("Create: error %d", errt)
	}
	data := []byte("0123456789")
	volume.BeginOp(p)
	volume.Writei(p, ip, false, data, 0, 0, len(data))
	volume.EndOp(p)
	volume.IunlockPut(ip)

	var st stat.Stat_t
	if errt := volume.Stat(p, "/f", &st); errt != 0 {
		t.Fatalf("Stat: error %d", errt)
	}
	if st.Size() != uint(len(data)) {
		t.Fatalf("Stat size: got %d, want %d", st.Size(), len(data))
	}
	if st.Mode() != uint(defs.T_FILE) {
		t.Fatalf("Stat mode: got %d, want %d", st.Mode(), defs.T_FILE)
	}
}
