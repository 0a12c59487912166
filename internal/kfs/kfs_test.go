package kfs

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestSDCardReadSector(t *testing.T) {
	image := make([]byte, 4*SectorSize)
	for i := range image {
		image[i] = byte(i / SectorSize)
	}
	sd := NewSDCard(image)

	buf := make([]byte, SectorSize)
	n, err := sd.ReadSector(2, buf)
	if err != nil || n != SectorSize {
		t.Fatalf("ReadSector(2) = %d, %v", n, err)
	}
	if buf[0] != 2 || buf[SectorSize-1] != 2 {
		t.Errorf("sector contents wrong: %d %d", buf[0], buf[SectorSize-1])
	}
}

func TestSDCardInvalidInput(t *testing.T) {
	sd := NewSDCard(make([]byte, 2*SectorSize))

	if _, err := sd.ReadSector(0, make([]byte, 100)); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("short buffer: err = %v, want ErrInvalidInput", err)
	}
	if _, err := sd.ReadSector(99, make([]byte, SectorSize)); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("out of range: err = %v, want ErrInvalidInput", err)
	}
}

func TestMemFSOpenFile(t *testing.T) {
	fs := NewMemFS()
	fs.Write("/sleep", []byte("sleep-image"))

	e, err := fs.Open("/sleep")
	if err != nil {
		t.Fatalf("Open(/sleep): %v", err)
	}
	f, ok := AsFile(e)
	if !ok {
		t.Fatal("entry is not a file")
	}
	if f.Size() != uint64(len("sleep-image")) {
		t.Errorf("Size = %d", f.Size())
	}
	data, _ := io.ReadAll(f)
	if !bytes.Equal(data, []byte("sleep-image")) {
		t.Errorf("contents = %q", data)
	}
}

func TestMemFSOpenDir(t *testing.T) {
	fs := NewMemFS()
	fs.Write("/bin/sleep", []byte("a"))
	fs.Write("/bin/fib", []byte("b"))

	e, err := fs.Open("/bin")
	if err != nil {
		t.Fatalf("Open(/bin): %v", err)
	}
	if _, ok := AsFile(e); ok {
		t.Fatal("directory classified as file")
	}
	d, ok := e.(Dir)
	if !ok {
		t.Fatal("entry is not a dir")
	}
	ents, err := d.Entries()
	if err != nil || len(ents) != 2 {
		t.Fatalf("Entries = %v, %v", ents, err)
	}
}

func TestMemFSNotFound(t *testing.T) {
	fs := NewMemFS()
	if _, err := fs.Open("/nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDirFS(t *testing.T) {
	dir := t.TempDir()
	fs := NewDirFS(dir)

	if _, err := fs.Open("/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
