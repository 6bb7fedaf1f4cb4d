package signal

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/unicode"
)

const (
	// FileContextSize is the fixed part of a file transfer context.
	FileContextSize = 574
	fileNameField   = 520
	fileContextVer  = 2
)

// File context types.
const (
	FileTypeWithPreview uint32 = 0
	FileTypeNoPreview   uint32 = 1
)

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// FileContext is the binary file description carried base64 encoded in the
// Context field of a file INVITE.
type FileContext struct {
	Size    uint64
	Type    uint32
	Name    string
	Preview []byte
}

// Marshal encodes the context. Names longer than the field are truncated.
func (c FileContext) Marshal() ([]byte, error) {
	name, err := utf16LE.NewEncoder().Bytes([]byte(c.Name))
	if err != nil {
		return nil, errors.Wrap(err, "encode file name")
	}
	// Keep room for the terminating NUL code unit and stay on a code unit boundary.
	if len(name) > fileNameField-2 {
		name = name[:fileNameField-2]
	}

	b := make([]byte, 0, FileContextSize+len(c.Preview))
	b = binary.LittleEndian.AppendUint32(b, uint32(FileContextSize+len(c.Preview)))
	b = binary.LittleEndian.AppendUint32(b, fileContextVer)
	b = binary.LittleEndian.AppendUint64(b, c.Size)
	b = binary.LittleEndian.AppendUint32(b, c.Type)
	field := make([]byte, fileNameField)
	copy(field, name)
	b = append(b, field...)
	b = append(b, make([]byte, 30)...)
	b = binary.LittleEndian.AppendUint32(b, 0xFFFFFFFF)
	b = append(b, c.Preview...)
	return b, nil
}

// Encode returns the base64 form used in the INVITE body.
func (c FileContext) Encode() (string, error) {
	b, err := c.Marshal()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// ParseFileContext decodes a binary file context.
func ParseFileContext(b []byte) (FileContext, error) {
	if len(b) < FileContextSize {
		return FileContext{}, errors.Wrapf(ErrMalformed, "file context has %d bytes", len(b))
	}

	length := binary.LittleEndian.Uint32(b)
	if length < FileContextSize || uint64(length) > uint64(len(b)) {
		return FileContext{}, errors.Wrapf(ErrMalformed, "file context length %d", length)
	}

	field := b[20 : 20+fileNameField]
	end := len(field)
	for i := 0; i+1 < len(field); i += 2 {
		if field[i] == 0 && field[i+1] == 0 {
			end = i
			break
		}
	}
	name, err := utf16LE.NewDecoder().Bytes(field[:end])
	if err != nil {
		return FileContext{}, errors.Wrap(err, "decode file name")
	}

	c := FileContext{
		Size: binary.LittleEndian.Uint64(b[8:16]),
		Type: binary.LittleEndian.Uint32(b[16:20]),
		Name: string(name),
	}
	if length > FileContextSize {
		c.Preview = bytes.Clone(b[FileContextSize:length])
	}
	return c, nil
}

// DecodeFileContext parses the base64 form.
func DecodeFileContext(s string) (FileContext, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return FileContext{}, errors.Wrap(ErrMalformed, err.Error())
	}
	return ParseFileContext(b)
}
