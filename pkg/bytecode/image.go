package bytecode

import (
	"bytes"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// ImageMagic prefixes every program image: "SVMI" (stack VM image).
var ImageMagic = []byte{'S', 'V', 'M', 'I'}

// ImageExt is the conventional file extension for program images.
const ImageExt = ".svmi"

// cborEncMode uses canonical encoding so identical programs produce
// identical images.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalImage serializes a program to an image: the magic bytes followed
// by the CBOR encoding of the Program.
func MarshalImage(p *Program) ([]byte, error) {
	body, err := cborEncMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("bytecode: marshal image: %w", err)
	}
	buf := make([]byte, 0, len(ImageMagic)+len(body))
	buf = append(buf, ImageMagic...)
	return append(buf, body...), nil
}

// UnmarshalImage decodes and validates a program image.
func UnmarshalImage(data []byte) (*Program, error) {
	if len(data) < len(ImageMagic) {
		return nil, fmt.Errorf("bytecode: image too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:len(ImageMagic)], ImageMagic) {
		return nil, fmt.Errorf("bytecode: invalid image magic: expected %q, got %q", ImageMagic, data[:len(ImageMagic)])
	}
	var p Program
	if err := cbor.Unmarshal(data[len(ImageMagic):], &p); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal image: %w", err)
	}
	if p.Version != ImageVersion {
		return nil, fmt.Errorf("bytecode: unsupported image version %d (want %d)", p.Version, ImageVersion)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("bytecode: %w", err)
	}
	return &p, nil
}

// IsImage reports whether data starts with the image magic.
func IsImage(data []byte) bool {
	return len(data) >= len(ImageMagic) && bytes.Equal(data[:len(ImageMagic)], ImageMagic)
}

// WriteImageFile writes a program image to path.
func WriteImageFile(path string, p *Program) error {
	data, err := MarshalImage(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadFile reads a program from path. Images are decoded directly; any
// other file is treated as assembly source.
func LoadFile(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if IsImage(data) {
		return UnmarshalImage(data)
	}
	return Assemble(path, string(data))
}
