package serial

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"sync"

	"github.com/bobuhiro11/vmcore/device"
	"github.com/sirupsen/logrus"
)

const (
	COM1Addr = 0x03f8
	COM1IRQ  = 4
	Size     = 0x8

	// StateVersion is bumped whenever the saved state layout changes.
	StateVersion = 1

	inputLimit = 10000
)

// Interrupt enable and line status bits.
const (
	ierRxAvailable = 0x01
	ierTxEmpty     = 0x02
	lcrDLAB        = 0x80
	lsrDataReady   = 0x01
	lsrTxEmpty     = 0x60
	iirNoPending   = 0x01
	iirTxEmpty     = 0x02
	iirRxAvailable = 0x04
)

var serialLog = logrus.WithField("subsystem", "serial")

// SetLogger sets the logger for the serial package.
func SetLogger(logger *logrus.Entry) {
	fields := serialLog.Data
	serialLog = logger.WithFields(fields)
}

// Serial is a minimal 16550 UART.
type Serial struct {
	mu sync.Mutex

	IER byte
	LCR byte
	MCR byte
	SCR byte

	input []byte
	out   io.Writer
	irq   device.InterruptLine
}

type state struct {
	IER, LCR, MCR, SCR byte
	Input              []byte
}

func New(out io.Writer) *Serial {
	return &Serial{out: out}
}

func (s *Serial) ConnectInterrupt(line device.InterruptLine) {
	s.mu.Lock()
	s.irq = line
	s.mu.Unlock()
}

// Input queues bytes typed on the console and raises the receive interrupt
// if the guest enabled it.
func (s *Serial) Input(b ...byte) {
	s.mu.Lock()

	room := inputLimit - len(s.input)
	if room < len(b) {
		serialLog.WithField("dropped", len(b)-room).Warn("input queue full")
		b = b[:max(room, 0)]
	}

	s.input = append(s.input, b...)
	raise := s.IER&ierRxAvailable != 0 && len(s.input) > 0
	s.mu.Unlock()

	if raise {
		s.trigger()
	}
}

func (s *Serial) trigger() {
	s.mu.Lock()
	line := s.irq
	s.mu.Unlock()

	if line == nil {
		return
	}

	if err := line.Trigger(); err != nil {
		serialLog.WithError(err).Warn("raise interrupt")
	}
}

func (s *Serial) dlab() bool {
	return s.LCR&lcrDLAB != 0
}

func (s *Serial) Read(offset uint64, data []byte) error {
	if len(data) != 1 {
		return device.ErrDataLenInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case offset == 0 && !s.dlab():
		// RBR
		if len(s.input) > 0 {
			data[0] = s.input[0]
			s.input = s.input[1:]
		}
	case offset == 0 && s.dlab():
		// DLL
		data[0] = 0xc // baud rate 9600
	case offset == 1 && !s.dlab():
		data[0] = s.IER
	case offset == 1 && s.dlab():
		// DLM
		data[0] = 0x0
	case offset == 2:
		// IIR
		switch {
		case s.IER&ierRxAvailable != 0 && len(s.input) > 0:
			data[0] = iirRxAvailable
		case s.IER&ierTxEmpty != 0:
			data[0] = iirTxEmpty
		default:
			data[0] = iirNoPending
		}
	case offset == 3:
		data[0] = s.LCR
	case offset == 4:
		data[0] = s.MCR
	case offset == 5:
		// LSR
		data[0] = lsrTxEmpty
		if len(s.input) > 0 {
			data[0] |= lsrDataReady
		}
	case offset == 6:
		// MSR
		data[0] = 0
	case offset == 7:
		data[0] = s.SCR
	}

	return nil
}

func (s *Serial) Write(offset uint64, data []byte) error {
	if len(data) != 1 {
		return device.ErrDataLenInvalid
	}

	s.mu.Lock()

	var raise bool

	switch {
	case offset == 0 && !s.dlab():
		// THR
		if s.out != nil {
			if _, err := s.out.Write(data[:1]); err != nil {
				serialLog.WithError(err).Debug("console write")
			}
		}
	case offset == 0 && s.dlab():
		// DLL, fixed baud rate
	case offset == 1 && !s.dlab():
		s.IER = data[0]
		raise = s.IER != 0
	case offset == 1 && s.dlab():
		// DLM
	case offset == 2:
		// FCR
	case offset == 3:
		s.LCR = data[0]
	case offset == 4:
		s.MCR = data[0]
	case offset == 7:
		s.SCR = data[0]
	default:
		serialLog.WithField("offset", offset).Debug("factory test or not used")
	}

	s.mu.Unlock()

	if raise {
		s.trigger()
	}

	return nil
}

func (s *Serial) StateVersion() uint32 {
	return StateVersion
}

func (s *Serial) SaveState() ([]byte, error) {
	s.mu.Lock()
	st := state{IER: s.IER, LCR: s.LCR, MCR: s.MCR, SCR: s.SCR, Input: append([]byte(nil), s.input...)}
	s.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return nil, fmt.Errorf("serial: encode state: %w", err)
	}

	return buf.Bytes(), nil
}

func (s *Serial) decode(version uint32, data []byte) (state, error) {
	var st state

	if version != StateVersion {
		return st, fmt.Errorf("serial: state version %d, want %d", version, StateVersion)
	}

	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return st, fmt.Errorf("serial: decode state: %w", err)
	}

	if len(st.Input) > inputLimit {
		return st, fmt.Errorf("serial: %d queued input bytes, limit %d", len(st.Input), inputLimit)
	}

	return st, nil
}

func (s *Serial) ValidateState(version uint32, data []byte) error {
	_, err := s.decode(version, data)

	return err
}

func (s *Serial) RestoreState(version uint32, data []byte) error {
	st, err := s.decode(version, data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.IER, s.LCR, s.MCR, s.SCR = st.IER, st.LCR, st.MCR, st.SCR
	s.input = st.Input
	s.mu.Unlock()

	return nil
}

func (s *Serial) Reset() error {
	s.mu.Lock()
	s.IER, s.LCR, s.MCR, s.SCR = 0, 0, 0, 0
	s.input = nil
	s.mu.Unlock()

	return nil
}
