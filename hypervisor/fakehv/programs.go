package fakehv

import (
	"sync"

	"github.com/bobuhiro11/vmcore/hypervisor"
)

// Sequence returns each exit once, in order, and then idles until kicked.
func Sequence(exits ...hypervisor.Exit) Program {
	var (
		mu sync.Mutex
		i  int
	)

	return func(c *CPU) hypervisor.Exit {
		mu.Lock()
		if i < len(exits) {
			e := exits[i]
			i++
			mu.Unlock()

			return e
		}
		mu.Unlock()

		<-c.kickC
		c.kicked.Store(false)

		return &hypervisor.ExitInterrupted{}
	}
}

// Loop returns the exits round robin forever.
func Loop(exits ...hypervisor.Exit) Program {
	var (
		mu sync.Mutex
		i  int
	)

	return func(*CPU) hypervisor.Exit {
		mu.Lock()
		defer mu.Unlock()

		e := exits[i%len(exits)]
		i++

		return clone(e)
	}
}

// clone gives every entry its own data buffer so that programs shared by
// several vCPUs do not race on it.
func clone(e hypervisor.Exit) hypervisor.Exit {
	switch x := e.(type) {
	case *hypervisor.ExitMMIO:
		c := *x
		c.Data = append([]byte(nil), x.Data...)

		return &c
	case *hypervisor.ExitPIO:
		c := *x
		c.Data = append([]byte(nil), x.Data...)

		return &c
	}

	return e
}

// Halt makes the guest execute HLT on every entry.
func Halt() Program {
	return func(*CPU) hypervisor.Exit { return &hypervisor.ExitHalt{} }
}
