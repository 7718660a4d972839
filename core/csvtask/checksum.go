package csvtask

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
)

// ChecksumColumn is the header of the tamper-guard cell appended to exports.
const ChecksumColumn = "csum"

const defaultChecksumSize = 4

var ErrChecksumMismatch = errors.New("checksum mismatch")

// Checksum signs a fixed set of identity columns so edited files cannot
// silently redirect a row to a different record. The hash is truncated; it
// guards against accidents, not attackers.
type Checksum struct {
	Columns []string
	Size    int // hex chars kept, defaults to 4
}

func (c Checksum) hash(row Row) string {
	h := md5.New()
	for _, col := range c.Columns {
		io.WriteString(h, row[col])
		io.WriteString(h, ":")
	}
	size := c.Size
	if size <= 0 {
		size = defaultChecksumSize
	}
	return hex.EncodeToString(h.Sum(nil))[:size]
}

// Apply stamps the checksum cell on an outgoing row.
func (c Checksum) Apply(row Row) {
	row[ChecksumColumn] = c.hash(row)
}

// Verify checks the checksum cell of an incoming row.
func (c Checksum) Verify(row Row) error {
	if row[ChecksumColumn] != c.hash(row) {
		return ErrChecksumMismatch
	}
	return nil
}
