package device

import (
	"fmt"
	"io"
)

const PostCodePort = 0x80

// PostCodeDevice prints bytes written to the BIOS POST code port.
type PostCodeDevice struct {
	Out io.Writer
}

func NewPostCodeDevice(out io.Writer) *PostCodeDevice {
	return &PostCodeDevice{Out: out}
}

func (p *PostCodeDevice) Read(offset uint64, data []byte) error {
	return nil
}

func (p *PostCodeDevice) Write(offset uint64, data []byte) error {
	if len(data) != 1 {
		return ErrDataLenInvalid
	}

	if data[0] == '\000' {
		fmt.Fprintf(p.Out, "\r\n")
	} else {
		fmt.Fprintf(p.Out, "%c", data[0])
	}

	return nil
}
