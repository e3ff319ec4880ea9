package lsm

import "encoding/binary"

/*
A Block is the smallest unit of reading and caching in a table file.

	| entry #1 | ... | entry #N | offset #1 | ... | offset #N | num_of_elements |

Each entry is [key_len u16][key][value_len u16][value]. Offsets point at the
start of each entry in the data section. All integers are big-endian.
*/
type Block struct {
	data    []byte
	offsets []uint16
}

const sizeOfU16 = 2

func (b *Block) Encode() []byte {
	buf := make([]byte, 0, len(b.data)+len(b.offsets)*sizeOfU16+sizeOfU16)
	buf = append(buf, b.data...)
	for _, off := range b.offsets {
		buf = binary.BigEndian.AppendUint16(buf, off)
	}
	return binary.BigEndian.AppendUint16(buf, uint16(len(b.offsets)))
}

// DecodeBlock parses an encoded block. The returned block does not alias raw.
func DecodeBlock(raw []byte) (*Block, error) {
	if len(raw) < sizeOfU16 {
		return nil, formatErrorf("block: %d bytes is too short for the entry count", len(raw))
	}
	n := int(binary.BigEndian.Uint16(raw[len(raw)-sizeOfU16:]))
	dataEnd := len(raw) - sizeOfU16 - n*sizeOfU16
	if dataEnd < 0 {
		return nil, formatErrorf("block: %d offsets do not fit in %d bytes", n, len(raw))
	}
	offsets := make([]uint16, n)
	prev := -1
	for i := range offsets {
		off := binary.BigEndian.Uint16(raw[dataEnd+i*sizeOfU16:])
		if int(off) <= prev || int(off)+2*sizeOfU16 > dataEnd {
			return nil, formatErrorf("block: offset #%d (%d) is out of order or past data end %d", i, off, dataEnd)
		}
		offsets[i] = off
		prev = int(off)
	}
	data := make([]byte, dataEnd)
	copy(data, raw[:dataEnd])
	blk := &Block{data: data, offsets: offsets}
	for i := range offsets {
		if _, _, err := blk.entryAt(i); err != nil {
			return nil, err
		}
	}
	return blk, nil
}

// NumEntries returns the number of key/value pairs in the block.
func (b *Block) NumEntries() int { return len(b.offsets) }

// entryAt decodes the key and the value byte range of entry idx.
func (b *Block) entryAt(idx int) (key []byte, valueRange [2]int, err error) {
	off := int(b.offsets[idx])
	end := len(b.data)
	if idx+1 < len(b.offsets) {
		end = int(b.offsets[idx+1])
	}
	if off+sizeOfU16 > end {
		return nil, valueRange, formatErrorf("block: entry #%d header truncated", idx)
	}
	keyLen := int(binary.BigEndian.Uint16(b.data[off:]))
	pos := off + sizeOfU16
	if pos+keyLen+sizeOfU16 > end {
		return nil, valueRange, formatErrorf("block: entry #%d key truncated", idx)
	}
	key = b.data[pos : pos+keyLen]
	pos += keyLen
	valueLen := int(binary.BigEndian.Uint16(b.data[pos:]))
	pos += sizeOfU16
	if pos+valueLen > end {
		return nil, valueRange, formatErrorf("block: entry #%d value truncated", idx)
	}
	return key, [2]int{pos, pos + valueLen}, nil
}
