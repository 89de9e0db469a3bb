// Package mbr decodes the legacy MS-DOS master boot record found in
// sector 0 of a disk.
package mbr

import "encoding/binary"

const (
	// Size is the size of the boot record in bytes
	Size = 512

	// SectorSize is the sector size the MBR format assumes
	SectorSize = 512

	// Signature is the boot record magic stored at SignatureOffset
	Signature = 0xAA55

	// MaxPrimaryPartitions is the number of primary partition entries
	MaxPrimaryPartitions = 4

	// TypeEmpty marks an unused partition entry
	TypeEmpty = 0x00

	// SignatureOffset is the byte offset of the 2-byte signature
	SignatureOffset = 510

	tableOffset = 446
	entrySize   = 16
)

// Partition is one primary partition table entry. The CHS fields are
// not decoded; modern layouts are LBA only.
type Partition struct {
	Status   uint8
	Type     uint8
	LBAStart uint32
	Sectors  uint32
}

// Empty reports whether the entry is unused.
func (p Partition) Empty() bool {
	return p.Type == TypeEmpty
}

// MBR is a decoded master boot record.
type MBR struct {
	Signature  uint16
	Partitions [MaxPrimaryPartitions]Partition
}

// SignatureValid reports whether the boot record carries the magic.
func (m *MBR) SignatureValid() bool {
	return m.Signature == Signature
}

// Reset zeroes the record.
func (m *MBR) Reset() {
	*m = MBR{}
}

// Decode parses the first Size bytes of data into m. The signature is
// decoded but not validated; callers check SignatureValid so they can
// report the failure themselves.
func Decode(data []byte, m *MBR) error {
	if len(data) < Size {
		return ErrTruncated
	}

	m.Signature = binary.LittleEndian.Uint16(data[SignatureOffset : SignatureOffset+2])

	for i := 0; i < MaxPrimaryPartitions; i++ {
		e := data[tableOffset+i*entrySize : tableOffset+(i+1)*entrySize]
		m.Partitions[i] = Partition{
			Status:   e[0],
			Type:     e[4],
			LBAStart: binary.LittleEndian.Uint32(e[8:12]),
			Sectors:  binary.LittleEndian.Uint32(e[12:16]),
		}
	}

	return nil
}

// Encode writes m into the first Size bytes of data. Only the fields
// Decode reads are written; CHS bytes and the boot code area keep
// whatever data already holds. Used by test
// harnesses and the simulated driver to format backing stores.
func Encode(m *MBR, data []byte) error {
	if len(data) < Size {
		return ErrTruncated
	}

	for i := 0; i < MaxPrimaryPartitions; i++ {
		e := data[tableOffset+i*entrySize : tableOffset+(i+1)*entrySize]
		e[0] = m.Partitions[i].Status
		e[4] = m.Partitions[i].Type
		binary.LittleEndian.PutUint32(e[8:12], m.Partitions[i].LBAStart)
		binary.LittleEndian.PutUint32(e[12:16], m.Partitions[i].Sectors)
	}

	binary.LittleEndian.PutUint16(data[SignatureOffset:SignatureOffset+2], m.Signature)

	return nil
}
