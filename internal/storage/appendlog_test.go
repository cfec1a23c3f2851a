package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Klingon-tech/klingspv/pkg/crypto"
)

func record(b byte, size int) []byte {
	return bytes.Repeat([]byte{b}, size)
}

func TestAppendLog_AppendReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "headers.log")
	l, err := OpenAppendLog(path, 80)
	if err != nil {
		t.Fatalf("OpenAppendLog: %v", err)
	}

	first, err := l.Append(record(1, 80), record(2, 80))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first != 0 {
		t.Errorf("first index = %d, want 0", first)
	}
	if idx, _ := l.Append(record(3, 80)); idx != 2 {
		t.Errorf("third index = %d, want 2", idx)
	}
	if l.Count() != 3 {
		t.Fatalf("Count = %d, want 3", l.Count())
	}
	l.Close()

	l, err = OpenAppendLog(path, 80)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()

	var got []byte
	err = l.Replay(func(index int64, payload []byte) error {
		if int64(payload[0]) != index+1 {
			t.Errorf("record %d payload starts with %d", index, payload[0])
		}
		got = append(got, payload[0])
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("replayed %v, want [1 2 3]", got)
	}
}

func TestAppendLog_WrongSize(t *testing.T) {
	l, err := OpenAppendLog(filepath.Join(t.TempDir(), "x.log"), 80)
	if err != nil {
		t.Fatalf("OpenAppendLog: %v", err)
	}
	defer l.Close()
	if _, err := l.Append(record(1, 79)); !errors.Is(err, ErrRecordSize) {
		t.Fatalf("Append(79 bytes) = %v, want ErrRecordSize", err)
	}
	if l.Count() != 0 {
		t.Errorf("Count = %d after failed append", l.Count())
	}
}

func TestAppendLog_TornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.log")
	l, _ := OpenAppendLog(path, 80)
	l.Append(record(1, 80), record(2, 80))
	l.Close()

	// Simulate a crash halfway through a third write.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write(record(3, 30))
	f.Close()

	l, err = OpenAppendLog(path, 80)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()
	if l.Count() != 2 {
		t.Errorf("Count = %d, want 2", l.Count())
	}
	if l.Torn() != 30 {
		t.Errorf("Torn = %d, want 30", l.Torn())
	}
	info, _ := os.Stat(path)
	if info.Size() != 2*int64(80+crypto.ChecksumSize) {
		t.Errorf("file size = %d after truncation", info.Size())
	}

	// Appending after truncation continues at the right offset.
	if idx, err := l.Append(record(4, 80)); err != nil || idx != 2 {
		t.Fatalf("Append after truncation = %d, %v", idx, err)
	}
}

func TestAppendLog_ChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.log")
	l, _ := OpenAppendLog(path, 80)
	l.Append(record(1, 80), record(2, 80))
	l.Close()

	data, _ := os.ReadFile(path)
	data[80+crypto.ChecksumSize+5] ^= 0xff // flip a byte in the second payload
	os.WriteFile(path, data, 0644)

	l, _ = OpenAppendLog(path, 80)
	defer l.Close()

	var replayed int
	err := l.Replay(func(int64, []byte) error {
		replayed++
		return nil
	})
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Replay = %v, want ErrChecksumMismatch", err)
	}
	if replayed != 1 {
		t.Errorf("replayed %d records before mismatch, want 1", replayed)
	}
}
