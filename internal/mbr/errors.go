package mbr

import "errors"

// ErrTruncated is returned when the buffer is smaller than one boot record.
var ErrTruncated = errors.New("mbr: buffer smaller than boot record")
