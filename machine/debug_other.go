//go:build !amd64

package machine

import "errors"

var errNoDisassembler = errors.New("instruction decoding is only available on amd64")

func (m *Machine) Inst(cpu int) (string, error) {
	return "", errNoDisassembler
}
