//go:build !unix

package elm

// FileLock is a no-op where flock is unavailable.
type FileLock struct {
	Path string
}

func NewFileLock(path string) *FileLock {
	return &FileLock{Path: path}
}

func (l *FileLock) Acquire() error { return nil }

func (l *FileLock) Release() error { return nil }
