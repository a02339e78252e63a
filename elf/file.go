package elf

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Load parses the ELF file at path. The file is memory-mapped
// read-only when possible; Close releases the mapping. The file on
// disk is never written through the mapping.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	var data []byte
	var mapped []byte
	if fi.Size() > 0 {
		mapped, err = unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
		if err == nil {
			data = mapped
		}
	}
	if data == nil {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	img, err := Parse(data)
	if err != nil {
		if mapped != nil {
			unix.Munmap(mapped)
		}
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	img.Path = path
	img.mapped = mapped
	return img, nil
}

// Close unmaps the backing buffer if the image was loaded via Load.
// The image must not be used afterwards.
func (img *Image) Close() error {
	if img.mapped == nil {
		return nil
	}
	m := img.mapped
	img.mapped = nil
	img.Data = nil
	return unix.Munmap(m)
}
