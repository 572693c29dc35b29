package archive

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

const (
	localHeaderSignature   = 0x04034b50
	centralHeaderSignature = 0x02014b50
	endRecordSignature     = 0x06054b50
	end64RecordSignature   = 0x06064b50

	localHeaderLen = 30

	methodStore   = 0
	methodDeflate = 8

	flagEncrypted      = 0x1
	flagDataDescriptor = 0x8

	zip64ExtraID = 0x0001
	zip64Marker  = 0xffffffff
)

// ErrEmptyZip is returned when the archive holds no entry at all.
var ErrEmptyZip = errors.New("zip archive is empty")

// UnzipError reports a corrupt or unsupported archive entry.
type UnzipError struct {
	Reason string
	Err    error
}

func (e *UnzipError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unzip: %s: %v", e.Reason, e.Err)
	}
	return "unzip: " + e.Reason
}

func (e *UnzipError) Unwrap() error { return e.Err }

// entry describes the first local file of an archive.
type entry struct {
	name           string
	method         uint16
	flags          uint16
	compressedSize uint64
}

// readEntry consumes the local file header at the head of r.
func readEntry(r *bufio.Reader) (*entry, error) {
	var hdr [localHeaderLen]byte
	n, err := io.ReadFull(r, hdr[:4])
	if n == 0 && (err == io.EOF || err == io.ErrUnexpectedEOF) {
		return nil, ErrEmptyZip
	}
	if err != nil {
		return nil, &UnzipError{Reason: "read signature", Err: err}
	}

	switch binary.LittleEndian.Uint32(hdr[:4]) {
	case localHeaderSignature:
	case centralHeaderSignature, endRecordSignature, end64RecordSignature:
		return nil, ErrEmptyZip
	default:
		return nil, &UnzipError{Reason: "invalid local file header signature"}
	}

	if _, err := io.ReadFull(r, hdr[4:]); err != nil {
		return nil, &UnzipError{Reason: "truncated local file header", Err: err}
	}

	e := &entry{
		flags:          binary.LittleEndian.Uint16(hdr[6:8]),
		method:         binary.LittleEndian.Uint16(hdr[8:10]),
		compressedSize: uint64(binary.LittleEndian.Uint32(hdr[18:22])),
	}
	nameLen := int(binary.LittleEndian.Uint16(hdr[26:28]))
	extraLen := int(binary.LittleEndian.Uint16(hdr[28:30]))

	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, &UnzipError{Reason: "truncated file name", Err: err}
	}
	e.name = string(name)

	extra := make([]byte, extraLen)
	if _, err := io.ReadFull(r, extra); err != nil {
		return nil, &UnzipError{Reason: "truncated extra field", Err: err}
	}
	if e.compressedSize == zip64Marker {
		e.compressedSize = zip64CompressedSize(extra, binary.LittleEndian.Uint32(hdr[22:26]) == zip64Marker)
	}

	if e.flags&flagEncrypted != 0 {
		return nil, &UnzipError{Reason: fmt.Sprintf("entry %q is encrypted", e.name)}
	}
	return e, nil
}

// zip64CompressedSize reads the compressed size from a zip64 extra block.
// The uncompressed size precedes it when that field was also overflowed.
func zip64CompressedSize(extra []byte, hasUncompressed bool) uint64 {
	for len(extra) >= 4 {
		id := binary.LittleEndian.Uint16(extra[:2])
		size := int(binary.LittleEndian.Uint16(extra[2:4]))
		extra = extra[4:]
		if size > len(extra) {
			break
		}
		if id == zip64ExtraID {
			field := extra[:size]
			if hasUncompressed {
				if len(field) < 8 {
					break
				}
				field = field[8:]
			}
			if len(field) >= 8 {
				return binary.LittleEndian.Uint64(field[:8])
			}
			break
		}
		extra = extra[size:]
	}
	return zip64Marker
}

// decoder returns a reader over the uncompressed bytes of e.
func (e *entry) decoder(r *bufio.Reader) (io.ReadCloser, error) {
	switch e.method {
	case methodStore:
		if e.flags&flagDataDescriptor != 0 {
			return nil, &UnzipError{Reason: fmt.Sprintf("stored entry %q has no size in its local header", e.name)}
		}
		return io.NopCloser(io.LimitReader(r, int64(e.compressedSize))), nil
	case methodDeflate:
		return flate.NewReader(r), nil
	default:
		return nil, &UnzipError{Reason: fmt.Sprintf("unsupported compression method %d", e.method)}
	}
}
