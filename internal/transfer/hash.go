package transfer

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// ComputeCRC32C computes the CRC32C of a file with streaming I/O.
func ComputeCRC32C(fsPath string) (uint32, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return 0, fmt.Errorf("opening %s for hashing: %w", fsPath, err)
	}
	defer f.Close()

	h := crc32.New(crc32cTable)
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("hashing %s: %w", fsPath, err)
	}

	return h.Sum32(), nil
}

// FormatCRC32C renders a checksum the way the service does: base64 of the
// big-endian bytes.
func FormatCRC32C(sum uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], sum)

	return base64.StdEncoding.EncodeToString(b[:])
}
