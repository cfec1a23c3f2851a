package storage

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/Klingon-tech/klingspv/pkg/crypto"
)

// Append log errors.
var (
	ErrChecksumMismatch = errors.New("record checksum mismatch")
	ErrRecordSize       = errors.New("wrong record size")
)

// AppendLog is an append-only file of fixed-size records. Each record is
// stored as its payload followed by a crypto.ChecksumSize checksum.
type AppendLog struct {
	mu         sync.Mutex
	f          *os.File
	path       string
	recordSize int
	count      int64
	torn       int64
}

// OpenAppendLog opens or creates the log at path. A partial record left at
// the end of the file by an interrupted write is cut off; Torn reports how
// many bytes were dropped.
func OpenAppendLog(path string, recordSize int) (*AppendLog, error) {
	if recordSize <= 0 {
		return nil, fmt.Errorf("open append log: %w: %d", ErrRecordSize, recordSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open append log %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat append log %s: %w", path, err)
	}

	l := &AppendLog{f: f, path: path, recordSize: recordSize}
	stride := int64(l.stride())
	l.count = info.Size() / stride
	if rem := info.Size() % stride; rem != 0 {
		if err := f.Truncate(l.count * stride); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate torn record in %s: %w", path, err)
		}
		l.torn = rem
	}
	return l, nil
}

func (l *AppendLog) stride() int {
	return l.recordSize + crypto.ChecksumSize
}

// Path returns the file path of the log.
func (l *AppendLog) Path() string {
	return l.path
}

// Count returns the number of complete records in the log.
func (l *AppendLog) Count() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Torn returns the number of trailing bytes discarded on open.
func (l *AppendLog) Torn() int64 {
	return l.torn
}

// Append writes the given payloads as consecutive records and returns the
// index of the first one.
func (l *AppendLog) Append(payloads ...[]byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	buf := make([]byte, 0, len(payloads)*l.stride())
	for _, p := range payloads {
		if len(p) != l.recordSize {
			return 0, fmt.Errorf("append: %w: got %d, want %d", ErrRecordSize, len(p), l.recordSize)
		}
		sum := crypto.Checksum(p)
		buf = append(buf, p...)
		buf = append(buf, sum[:]...)
	}

	first := l.count
	if _, err := l.f.WriteAt(buf, first*int64(l.stride())); err != nil {
		return 0, fmt.Errorf("append to %s: %w", l.path, err)
	}
	l.count += int64(len(payloads))
	return first, nil
}

// Replay calls fn for every record in order. The payload slice is reused
// between calls. A record whose checksum does not match stops the replay
// with ErrChecksumMismatch.
func (l *AppendLog) Replay(fn func(index int64, payload []byte) error) error {
	l.mu.Lock()
	count := l.count
	l.mu.Unlock()

	r := bufio.NewReaderSize(io.NewSectionReader(l.f, 0, count*int64(l.stride())), 1<<20)
	rec := make([]byte, l.stride())
	for i := int64(0); i < count; i++ {
		if _, err := io.ReadFull(r, rec); err != nil {
			return fmt.Errorf("read record %d: %w", i, err)
		}
		payload := rec[:l.recordSize]
		sum := crypto.Checksum(payload)
		if !bytes.Equal(sum[:], rec[l.recordSize:]) {
			return fmt.Errorf("record %d: %w", i, ErrChecksumMismatch)
		}
		if err := fn(i, payload); err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes the file to stable storage.
func (l *AppendLog) Sync() error {
	return l.f.Sync()
}

// Close closes the underlying file.
func (l *AppendLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
