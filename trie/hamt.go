package trie

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/colorfulnotion/evmloader/log"
	"github.com/holiman/uint256"
	"github.com/xlab/treeprint"
)

// Region layout (little endian):
//
//	header: magic(4) | used(4) | root(4) | count(4)
//	node:   bitmap(4) | slot(4) * popcount(bitmap)
//	leaf:   key(32, big endian) | value(32, big endian)
//
// A slot with leafFlag set points at a leaf, otherwise at a child node.
// Adding a slot to a node relocates only that node; leaves never move.
const (
	hamtMagic  = 0x54_4d_41_48 // "HAMT"
	HeaderSize = 16
	LeafSize   = 64
	bitsLevel  = 5
	maxLevel   = 256 / bitsLevel
	leafFlag   = uint32(1) << 31

	offMagic = 0
	offUsed  = 4
	offRoot  = 8
	offCount = 12
)

// EmptySize is the footprint of a freshly formatted trie.
const EmptySize = HeaderSize + 4

func nodeSize(slots int) int {
	return 4 + 4*slots
}

// Hamt is a hash-array-mapped trie of 256-bit keys and values packed into a byte region.
type Hamt struct {
	data []byte
	grow bool // dry-run clone: allocation extends data instead of failing
}

// IsFormatted reports whether region already carries a trie header.
func IsFormatted(region []byte) bool {
	return len(region) >= HeaderSize && binary.LittleEndian.Uint32(region[offMagic:]) == hamtMagic
}

// New opens the trie stored in region. With reset the region is formatted fresh,
// otherwise the existing header is validated before any access.
func New(region []byte, reset bool) (*Hamt, error) {
	h := &Hamt{data: region}
	if reset {
		if len(region) < EmptySize {
			return nil, fmt.Errorf("format %d byte region: %w", len(region), evmerrors.ErrTrieOutOfSpace)
		}
		clear(region)
		h.format()
		return h, nil
	}
	if !IsFormatted(region) {
		return nil, evmerrors.ErrTrieCorrupt
	}
	used := int(h.u32(offUsed))
	root := int(h.u32(offRoot))
	if used < EmptySize || used > len(region) || root < HeaderSize || root+4 > used {
		return nil, fmt.Errorf("used=%d root=%d len=%d: %w", used, root, len(region), evmerrors.ErrTrieCorrupt)
	}
	return h, nil
}

func (h *Hamt) format() {
	h.putU32(offMagic, hamtMagic)
	h.putU32(offUsed, EmptySize)
	h.putU32(offRoot, HeaderSize)
	h.putU32(offCount, 0)
	h.putU32(HeaderSize, 0)
}

func (h *Hamt) u32(off int) uint32 {
	return binary.LittleEndian.Uint32(h.data[off:])
}

func (h *Hamt) putU32(off int, v uint32) {
	binary.LittleEndian.PutUint32(h.data[off:], v)
}

// Used is the number of region bytes occupied by the trie.
func (h *Hamt) Used() int { return int(h.u32(offUsed)) }

// Len is the number of stored keys.
func (h *Hamt) Len() int { return int(h.u32(offCount)) }

// Capacity is the size of the backing region.
func (h *Hamt) Capacity() int { return len(h.data) }

func index(key *uint256.Int, level int) uint32 {
	var t uint256.Int
	t.Rsh(key, uint(level*bitsLevel))
	return uint32(t.Uint64() & 0x1f)
}

func (h *Hamt) inBounds(off, size int) bool {
	return off >= HeaderSize && off+size <= h.Used()
}

func (h *Hamt) leafKey(off int) *uint256.Int {
	return new(uint256.Int).SetBytes32(h.data[off : off+32])
}

// Find returns the value stored under key. Absent keys report false.
func (h *Hamt) Find(key *uint256.Int) (*uint256.Int, bool) {
	off := int(h.u32(offRoot))
	for level := 0; level <= maxLevel; level++ {
		if !h.inBounds(off, 4) {
			return nil, false
		}
		bitmap := h.u32(off)
		bit := uint32(1) << index(key, level)
		if bitmap&bit == 0 {
			return nil, false
		}
		pos := bits.OnesCount32(bitmap & (bit - 1))
		slot := h.u32(off + 4 + 4*pos)
		if slot&leafFlag != 0 {
			leaf := int(slot &^ leafFlag)
			if !h.inBounds(leaf, LeafSize) || !h.leafKey(leaf).Eq(key) {
				return nil, false
			}
			return new(uint256.Int).SetBytes32(h.data[leaf+32 : leaf+64]), true
		}
		off = int(slot)
	}
	return nil, false
}

// Get returns the value under key, zero when absent.
func (h *Hamt) Get(key *uint256.Int) *uint256.Int {
	if v, ok := h.Find(key); ok {
		return v
	}
	return new(uint256.Int)
}

func (h *Hamt) alloc(size int) (int, error) {
	used := h.Used()
	if used+size > len(h.data) {
		if !h.grow {
			return 0, fmt.Errorf("need %d bytes, %d free: %w", size, len(h.data)-used, evmerrors.ErrTrieOutOfSpace)
		}
		h.data = append(h.data, make([]byte, used+size-len(h.data))...)
	}
	h.putU32(offUsed, uint32(used+size))
	return used, nil
}

func (h *Hamt) ensure(size int) error {
	if !h.grow && h.Used()+size > len(h.data) {
		return fmt.Errorf("need %d bytes, %d free: %w", size, len(h.data)-h.Used(), evmerrors.ErrTrieOutOfSpace)
	}
	return nil
}

func (h *Hamt) writeLeaf(off int, key, value *uint256.Int) {
	k := key.Bytes32()
	v := value.Bytes32()
	copy(h.data[off:off+32], k[:])
	copy(h.data[off+32:off+64], v[:])
}

// Insert stores value under key. The region is left untouched when it lacks the space.
func (h *Hamt) Insert(key, value *uint256.Int) error {
	ptr := offRoot
	off := int(h.u32(offRoot))
	for level := 0; level <= maxLevel; level++ {
		if !h.inBounds(off, 4) {
			return fmt.Errorf("node offset %d: %w", off, evmerrors.ErrTrieCorrupt)
		}
		bitmap := h.u32(off)
		bit := uint32(1) << index(key, level)
		n := bits.OnesCount32(bitmap)
		pos := bits.OnesCount32(bitmap & (bit - 1))

		if bitmap&bit == 0 {
			if err := h.ensure(LeafSize + nodeSize(n+1)); err != nil {
				return err
			}
			leaf, _ := h.alloc(LeafSize)
			h.writeLeaf(leaf, key, value)
			node, _ := h.alloc(nodeSize(n + 1))
			h.putU32(node, bitmap|bit)
			copy(h.data[node+4:node+4+4*pos], h.data[off+4:off+4+4*pos])
			h.putU32(node+4+4*pos, uint32(leaf)|leafFlag)
			copy(h.data[node+8+4*pos:node+4+4*(n+1)], h.data[off+4+4*pos:off+4+4*n])
			h.putU32(ptr, uint32(node))
			h.putU32(offCount, h.u32(offCount)+1)
			log.Trace(log.TrieMonitoring, "hamt insert", "level", level, "node", node, "leaf", leaf)
			return nil
		}

		slotPos := off + 4 + 4*pos
		slot := h.u32(slotPos)
		if slot&leafFlag == 0 {
			ptr = slotPos
			off = int(slot)
			continue
		}

		leaf := int(slot &^ leafFlag)
		if !h.inBounds(leaf, LeafSize) {
			return fmt.Errorf("leaf offset %d: %w", leaf, evmerrors.ErrTrieCorrupt)
		}
		existing := h.leafKey(leaf)
		if existing.Eq(key) {
			v := value.Bytes32()
			copy(h.data[leaf+32:leaf+64], v[:])
			return nil
		}
		return h.split(slotPos, leaf, existing, key, value, level+1)
	}
	return evmerrors.ErrTrieCorrupt
}

// split replaces the leaf referenced at slotPos by a chain of nodes ending in a
// node that holds both the existing leaf and the new one.
func (h *Hamt) split(slotPos, leaf int, existing, key, value *uint256.Int, level int) error {
	chain := 0
	for l := level; index(existing, l) == index(key, l); l++ {
		if l >= maxLevel {
			return evmerrors.ErrTrieCorrupt
		}
		chain++
	}
	if err := h.ensure(LeafSize + chain*nodeSize(1) + nodeSize(2)); err != nil {
		return err
	}

	newLeaf, _ := h.alloc(LeafSize)
	h.writeLeaf(newLeaf, key, value)

	ptr := slotPos
	l := level
	for i := 0; i < chain; i++ {
		node, _ := h.alloc(nodeSize(1))
		h.putU32(node, uint32(1)<<index(key, l))
		h.putU32(ptr, uint32(node))
		ptr = node + 4
		l++
	}
	node, _ := h.alloc(nodeSize(2))
	a, b := index(existing, l), index(key, l)
	h.putU32(node, uint32(1)<<a|uint32(1)<<b)
	first, second := uint32(leaf)|leafFlag, uint32(newLeaf)|leafFlag
	if b < a {
		first, second = second, first
	}
	h.putU32(node+4, first)
	h.putU32(node+8, second)
	h.putU32(ptr, uint32(node))
	h.putU32(offCount, h.u32(offCount)+1)
	log.Trace(log.TrieMonitoring, "hamt split", "level", level, "chain", chain)
	return nil
}

// Iterate visits every entry in trie order until fn returns false.
func (h *Hamt) Iterate(fn func(key, value *uint256.Int) bool) {
	h.walk(int(h.u32(offRoot)), 0, fn)
}

func (h *Hamt) walk(off int, level int, fn func(key, value *uint256.Int) bool) bool {
	if level > maxLevel || !h.inBounds(off, 4) {
		return true
	}
	bitmap := h.u32(off)
	for pos := 0; pos < bits.OnesCount32(bitmap); pos++ {
		slot := h.u32(off + 4 + 4*pos)
		if slot&leafFlag == 0 {
			if !h.walk(int(slot), level+1, fn) {
				return false
			}
			continue
		}
		leaf := int(slot &^ leafFlag)
		if !h.inBounds(leaf, LeafSize) {
			continue
		}
		if !fn(h.leafKey(leaf), new(uint256.Int).SetBytes32(h.data[leaf+32:leaf+64])) {
			return false
		}
	}
	return true
}

// RequiredSpace returns the trie footprint after inserting keys, computed on a clone.
func (h *Hamt) RequiredSpace(keys []*uint256.Int) (int, error) {
	clone := &Hamt{data: append([]byte(nil), h.data[:h.Used()]...), grow: true}
	for _, k := range keys {
		if err := clone.Insert(k, new(uint256.Int)); err != nil {
			return 0, err
		}
	}
	return clone.Used(), nil
}

// RequiredSpaceFresh is RequiredSpace for a region that has not been formatted yet.
func RequiredSpaceFresh(keys []*uint256.Int) (int, error) {
	clone := &Hamt{data: make([]byte, EmptySize), grow: true}
	clone.format()
	for _, k := range keys {
		if err := clone.Insert(k, new(uint256.Int)); err != nil {
			return 0, err
		}
	}
	return clone.Used(), nil
}

// Tree renders the node structure for debugging.
func (h *Hamt) Tree() treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("hamt used=%d/%d entries=%d", h.Used(), len(h.data), h.Len()))
	h.tree(tree, int(h.u32(offRoot)), 0)
	return tree
}

func (h *Hamt) tree(branch treeprint.Tree, off int, level int) {
	if level > maxLevel || !h.inBounds(off, 4) {
		return
	}
	bitmap := h.u32(off)
	idx := 0
	for pos := 0; pos < bits.OnesCount32(bitmap); pos++ {
		for bitmap&(uint32(1)<<idx) == 0 {
			idx++
		}
		slot := h.u32(off + 4 + 4*pos)
		if slot&leafFlag != 0 {
			leaf := int(slot &^ leafFlag)
			if h.inBounds(leaf, LeafSize) {
				branch.AddNode(fmt.Sprintf("[%02d] %s = %s", idx, h.leafKey(leaf).Hex(), new(uint256.Int).SetBytes32(h.data[leaf+32:leaf+64]).Hex()))
			}
		} else {
			h.tree(branch.AddBranch(fmt.Sprintf("[%02d] node@%d", idx, slot)), int(slot), level+1)
		}
		idx++
	}
}
