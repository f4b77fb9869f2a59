package fs

import "rvkernel/util"

// FSMAGIC identifies a formatted volume.
const FSMAGIC = 0x10203040

// Superblock_t is block 1 of the volume: magic, total size, data-block
// count, inode count, log length, and the starting blocks of the log,
// inode region, and free-block bitmap.
type Superblock_t struct {
	Data [BSIZE]byte
}

func (sb *Superblock_t) field(i int) int       { return util.Readn(sb.Data[:], 4, i*4) }
func (sb *Superblock_t) setField(i, v int)     { util.Writen(sb.Data[:], 4, i*4, v) }

// Magic reports the on-disk format identifier.
func (sb *Superblock_t) Magic() int { return sb.field(0) }

// Size is the total number of blocks on the volume.
func (sb *Superblock_t) Size() int { return sb.field(1) }

// Nblocks is the number of data blocks.
func (sb *Superblock_t) Nblocks() int { return sb.field(2) }

// Ninodes is the number of on-disk inodes.
func (sb *Superblock_t) Ninodes() int { return sb.field(3) }

// Nlog is the number of blocks reserved for the write-ahead log,
// including its header.
func (sb *Superblock_t) Nlog() int { return sb.field(4) }

// Logstart is the first block of the log region.
func (sb *Superblock_t) Logstart() int { return sb.field(5) }

// Inodestart is the first block holding on-disk inodes.
func (sb *Superblock_t) Inodestart() int { return sb.field(6) }

// Bmapstart is the first block of the free-block bitmap.
func (sb *Superblock_t) Bmapstart() int { return sb.field(7) }

func (sb *Superblock_t) SetMagic(v int)      { sb.setField(0, v) }
func (sb *Superblock_t) SetSize(v int)       { sb.setField(1, v) }
func (sb *Superblock_t) SetNblocks(v int)    { sb.setField(2, v) }
func (sb *Superblock_t) SetNinodes(v int)    { sb.setField(3, v) }
func (sb *Superblock_t) SetNlog(v int)       { sb.setField(4, v) }
func (sb *Superblock_t) SetLogstart(v int)   { sb.setField(5, v) }
func (sb *Superblock_t) SetInodestart(v int) { sb.setField(6, v) }
func (sb *Superblock_t) SetBmapstart(v int)  { sb.setField(7, v) }

// IPB is the number of on-disk inodes that fit in one block.
const IPB = BSIZE / dinodeSize

// BPB is the number of bitmap bits (i.e. blocks tracked) per block.
const BPB = BSIZE * 8

// Layout formula shared by fs_init's format branch and cmd/mkfs:
// Bmapstart = Inodestart + Ninodes/IPB + 1.
func computeBmapstart(inodestart, ninodes int) int {
	return inodestart + ninodes/IPB + 1
}
