// Package stat holds the Stat_t record returned by the filesystem's
// introspection calls.
package stat

// Stat_t mirrors an inode's metadata as surfaced to a caller.
type Stat_t struct {
	_dev   uint
	_ino   uint
	_mode  uint
	_size  uint
	_nlink uint
}

// Wdev stores the owning device id.
func (st *Stat_t) Wdev(v uint) { st._dev = v }

// Wino stores the inode number.
func (st *Stat_t) Wino(v uint) { st._ino = v }

// Wmode stores the inode type in the low bits of mode.
func (st *Stat_t) Wmode(v uint) { st._mode = v }

// Wsize stores the file size in bytes.
func (st *Stat_t) Wsize(v uint) { st._size = v }

// Wnlink stores the hard-link count.
func (st *Stat_t) Wnlink(v uint) { st._nlink = v }

// Dev returns the owning device id.
func (st *Stat_t) Dev() uint { return st._dev }

// Ino returns the inode number.
func (st *Stat_t) Ino() uint { return st._ino }

// Mode returns the inode type.
func (st *Stat_t) Mode() uint { return st._mode }

// Size returns the file size in bytes.
func (st *Stat_t) Size() uint { return st._size }

// Nlink returns the hard-link count.
func (st *Stat_t) Nlink() uint { return st._nlink }
