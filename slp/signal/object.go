package signal

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ObjectType is the Type attribute of an MSN object.
type ObjectType int

const (
	ObjectCustomEmoticon ObjectType = 2
	ObjectDisplayPicture ObjectType = 3
	ObjectBackground     ObjectType = 5
	ObjectDynamicPicture ObjectType = 7
	ObjectWink           ObjectType = 8
	ObjectVoiceClip      ObjectType = 11
)

// ErrObjectMismatch is returned when received object data does not match its descriptor.
var ErrObjectMismatch = errors.New("signal: object data does not match descriptor")

// Object is an <msnobj/> descriptor.
type Object struct {
	XMLName  xml.Name   `xml:"msnobj"`
	Creator  string     `xml:"Creator,attr"`
	Size     uint64     `xml:"Size,attr"`
	Type     ObjectType `xml:"Type,attr"`
	Location string     `xml:"Location,attr"`
	Friendly string     `xml:"Friendly,attr"`
	SHA1D    string     `xml:"SHA1D,attr"`
	SHA1C    string     `xml:"SHA1C,attr,omitempty"`
}

// NewObject describes data published by creator.
func NewObject(creator string, typ ObjectType, location string, data []byte) Object {
	sum := sha1.Sum(data)
	o := Object{
		Creator:  creator,
		Size:     uint64(len(data)),
		Type:     typ,
		Location: location,
		Friendly: "AAA=",
		SHA1D:    base64.StdEncoding.EncodeToString(sum[:]),
	}
	o.SHA1C = o.checksum()
	return o
}

func (o Object) checksum() string {
	s := "Creator" + o.Creator +
		"Size" + strconv.FormatUint(o.Size, 10) +
		"Type" + strconv.Itoa(int(o.Type)) +
		"Location" + o.Location +
		"Friendly" + o.Friendly +
		"SHA1D" + o.SHA1D
	sum := sha1.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// ParseObject decodes a descriptor.
func ParseObject(s string) (Object, error) {
	s = strings.TrimRight(s, "\x00")
	var o Object
	if err := xml.Unmarshal([]byte(s), &o); err != nil {
		return Object{}, errors.Wrap(ErrMalformed, err.Error())
	}
	if o.SHA1D == "" {
		return Object{}, errors.Wrap(ErrMalformed, "msnobj without SHA1D")
	}
	return o, nil
}

// String renders the descriptor as a self-closing element.
func (o Object) String() string {
	var b strings.Builder
	b.WriteString("<msnobj")
	attr := func(name, value string) {
		b.WriteString(" ")
		b.WriteString(name)
		b.WriteString(`="`)
		_ = xml.EscapeText(&b, []byte(value))
		b.WriteString(`"`)
	}
	attr("Creator", o.Creator)
	attr("Size", strconv.FormatUint(o.Size, 10))
	attr("Type", strconv.Itoa(int(o.Type)))
	attr("Location", o.Location)
	attr("Friendly", o.Friendly)
	attr("SHA1D", o.SHA1D)
	if o.SHA1C != "" {
		attr("SHA1C", o.SHA1C)
	}
	b.WriteString("/>")
	return b.String()
}

// Context returns the base64 INVITE context requesting the object.
func (o Object) Context() string {
	return base64.StdEncoding.EncodeToString(append([]byte(o.String()), 0))
}

// DecodeObjectContext parses the Context field of an object INVITE.
func DecodeObjectContext(s string) (Object, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Object{}, errors.Wrap(ErrMalformed, err.Error())
	}
	return ParseObject(string(b))
}

// Verify checks data against the size and SHA1D of the descriptor.
func (o Object) Verify(data []byte) error {
	if uint64(len(data)) != o.Size {
		return errors.Wrapf(ErrObjectMismatch, "size %d, want %d", len(data), o.Size)
	}
	sum := sha1.Sum(data)
	if base64.StdEncoding.EncodeToString(sum[:]) != o.SHA1D {
		return errors.Wrap(ErrObjectMismatch, "SHA1D")
	}
	return nil
}
