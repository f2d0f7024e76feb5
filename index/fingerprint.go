package index

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"

	"github.com/pkg/errors"
)

// fingerprintSpan is the number of bytes hashed from each of the head and
// tail of a source file. Hashing the full content of multi-gigabyte files
// on every staleness check would defeat the point of random access.
const fingerprintSpan = 1 << 16

// Fingerprint is a staleness snapshot of a source file: its size and
// modification time, plus a checksum over the file's head and tail.
type Fingerprint struct {
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time"`
	Sum     string `json:"sum"`
}

// TakeFingerprint snapshots the file at |path|.
func TakeFingerprint(path string) (Fingerprint, error) {
	var f, err = os.Open(path)
	if err != nil {
		return Fingerprint{}, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Fingerprint{}, errors.Wrapf(err, "stat of %s", path)
	}

	var summer = sha256.New()
	_ = binary.Write(summer, binary.LittleEndian, info.Size())

	if _, err = io.Copy(summer, io.NewSectionReader(f, 0, fingerprintSpan)); err != nil {
		return Fingerprint{}, errors.Wrapf(err, "hashing head of %s", path)
	}
	if tail := info.Size() - fingerprintSpan; tail > 0 {
		if _, err = io.Copy(summer, io.NewSectionReader(f, tail, fingerprintSpan)); err != nil {
			return Fingerprint{}, errors.Wrapf(err, "hashing tail of %s", path)
		}
	}

	return Fingerprint{
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
		Sum:     hex.EncodeToString(summer.Sum(nil)),
	}, nil
}

// Matches is true if |other| snapshots an unchanged file.
func (fp Fingerprint) Matches(other Fingerprint) bool {
	return fp.Size == other.Size &&
		fp.ModTime == other.ModTime &&
		fp.Sum == other.Sum
}
