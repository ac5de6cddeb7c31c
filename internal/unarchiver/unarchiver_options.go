package unarchiver

type UnarchiverOption func(*Unarchiver)

// WithUnarchiveLimitBytesPerSec sets the unarchive speed limit in bytes per second.
// The default is math.MaxFloat64.
func WithUnarchiveLimitBytesPerSec(limit float64) UnarchiverOption {
	return func(u *Unarchiver) {
		if limit > 0 {
			u.unarchiveLimitBytesPerSec = limit
		}
	}
}

// WithMaxExtractedBytes bounds the total size of extracted files.
// The default is unlimited.
func WithMaxExtractedBytes(n int64) UnarchiverOption {
	return func(u *Unarchiver) {
		u.maxExtractedBytes = n
	}
}
