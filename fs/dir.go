package fs

import (
	"rvkernel/defs"
	"rvkernel/proc"
	"rvkernel/util"
)

// DIRSIZ bounds a directory-entry name, excluding the terminator.
const DIRSIZ = 14

const direntSize = 2 + DIRSIZ // Inum (uint16) + Name

// Dirent_t is one directory entry: an inode number and a fixed-width name.
// Inum == 0 marks a free slot.
type Dirent_t struct {
	Inum uint16
	Name [DIRSIZ]byte
}

func readDirent(b []byte) Dirent_t {
	var de Dirent_t
	de.Inum = uint16(util.Readn(b, 2, 0))
	copy(de.Name[:], b[2:2+DIRSIZ])
	return de
}

func writeDirent(b []byte, de Dirent_t) {
	util.Writen(b, 2, 0, int(de.Inum))
	copy(b[2:2+DIRSIZ], de.Name[:])
}

func dirName(raw [DIRSIZ]byte) string {
	n := 0
	for n < DIRSIZ && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}

// Dirlookup scans dp's directory content for name, returning the matching
// inode (referenced, not locked) and the byte offset of its entry, or nil
// if no entry matches.
func (fs *Fs_t) Dirlookup(p *proc.Proc_t, dp *Inode_t, name string) (*Inode_t, int) {
	if dp.Type != defs.T_DIR {
		panic("Dirlookup: not a directory")
	}
	buf := make([]byte, direntSize)
	for off := 0; off < dp.Size; off += direntSize {
		if n := fs.Readi(p, dp, false, buf, 0, off, direntSize); n != direntSize {
			panic("Dirlookup: short directory read")
		}
		de := readDirent(buf)
		if de.Inum == 0 {
			continue
		}
		if dirName(de.Name) == name {
			return fs.Iget(dp.Dev, int(de.Inum)), off
		}
	}
	return nil, 0
}

// Dirlink appends a name -> inum entry to dp's directory content,
// reusing the first free slot if one exists. A duplicate name is rejected.
func (fs *Fs_t) Dirlink(p *proc.Proc_t, dp *Inode_t, name string, inum int) defs.Err_t {
	if len(name) > DIRSIZ {
		return -defs.ENAMETOOLONG
	}
	if existing, _ := fs.Dirlookup(p, dp, name); existing != nil {
		fs.Iput(existing)
		return -defs.EEXIST
	}

	buf := make([]byte, direntSize)
	off := 0
	for ; off < dp.Size; off += direntSize {
		if n := fs.Readi(p, dp, false, buf, 0, off, direntSize); n != direntSize {
			panic("Dirlink: short directory read")
		}
		if readDirent(buf).Inum == 0 {
			break
		}
	}

	var de Dirent_t
	de.Inum = uint16(inum)
	copy(de.Name[:], name)
	writeDirent(buf, de)
	if fs.Writei(p, dp, false, buf, 0, off, direntSize) != direntSize {
		panic("Dirlink: short directory write")
	}
	return 0
}

// Readdir returns the non-empty entry names of directory dp, in on-disk
// order.
func (fs *Fs_t) Readdir(p *proc.Proc_t, dp *Inode_t) []string {
	var names []string
	buf := make([]byte, direntSize)
	for off := 0; off < dp.Size; off += direntSize {
		if n := fs.Readi(p, dp, false, buf, 0, off, direntSize); n != direntSize {
			panic("Readdir: short directory read")
		}
		de := readDirent(buf)
		if de.Inum == 0 {
			continue
		}
		names = append(names, dirName(de.Name))
	}
	return names
}

func (fs *Fs_t) dirEmpty(p *proc.Proc_t, dp *Inode_t) bool {
	buf := make([]byte, direntSize)
	for off := 2 * direntSize; off < dp.Size; off += direntSize { // skip "." and ".."
		if n := fs.Readi(p, dp, false, buf, 0, off, direntSize); n != direntSize {
			panic("dirEmpty: short directory read")
		}
		if readDirent(buf).Inum != 0 {
			return false
		}
	}
	return true
}

// skipelem strips any leading slashes from path, then returns the
// remaining path past the first component along with that component.
func skipelem(path string) (rest, elem string) {
	i := 0
	for i < len(path) && path[i] == '/' {
		i++
	}
	path = path[i:]
	if path == "" {
		return "", ""
	}
	j := 0
	for j < len(path) && path[j] != '/' {
		j++
	}
	elem = path[:j]
	if len(elem) > DIRSIZ {
		elem = elem[:DIRSIZ]
	}
	path = path[j:]
	k := 0
	for k < len(path) && path[k] == '/' {
		k++
	}
	return path[k:], elem
}

// cwdInode resolves p's current-working-directory inode, defaulting to the
// root if none has been set yet.
func (fs *Fs_t) cwdInode(p *proc.Proc_t) *Inode_t {
	if ip, ok := p.Cwd.(*Inode_t); ok && ip != nil {
		return fs.Idup(ip)
	}
	return fs.Iget(ROOTDEV, ROOTINO)
}

// SetCwd records ip as p's current-working directory.
func (fs *Fs_t) SetCwd(p *proc.Proc_t, ip *Inode_t) { p.Cwd = ip }

// namex implements the shared path-walk core for Namei/NameiParent: walk
// path one component at a time starting at the root (absolute paths) or
// the calling process's cwd (relative paths), requiring every non-final
// component to be a directory.
func (fs *Fs_t) namex(p *proc.Proc_t, path string, wantParent bool) (*Inode_t, string) {
	var cur *Inode_t
	if len(path) > 0 && path[0] == '/' {
		cur = fs.Iget(ROOTDEV, ROOTINO)
	} else {
		cur = fs.cwdInode(p)
	}

	rest, elem := skipelem(path)
	for elem != "" {
		fs.Ilock(p, cur)
		if cur.Type != defs.T_DIR {
			fs.IunlockPut(cur)
			return nil, ""
		}
		if wantParent && rest == "" {
			fs.Iunlock(cur)
			return cur, elem
		}
		next, _ := fs.Dirlookup(p, cur, elem)
		if next == nil {
			fs.IunlockPut(cur)
			return nil, ""
		}
		fs.IunlockPut(cur)
		cur = next
		rest, elem = skipelem(rest)
	}
	if wantParent {
		fs.Iput(cur)
		return nil, ""
	}
	return cur, ""
}

// Namei resolves path to its inode (referenced, unlocked), or nil if any
// component is missing or a non-final component is not a directory.
func (fs *Fs_t) Namei(p *proc.Proc_t, path string) *Inode_t {
	ip, _ := fs.namex(p, path, false)
	return ip
}

// NameiParent resolves path's parent directory (referenced, unlocked) and
// returns the final path component's name, or nil if the parent chain
// cannot be resolved.
func (fs *Fs_t) NameiParent(p *proc.Proc_t, path string) (*Inode_t, string) {
	return fs.namex(p, path, true)
}
