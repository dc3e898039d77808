// Package probe reports what the host KVM supports.
package probe

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/bobuhiro11/vmcore/kvm"
)

// Report writes the KVM API version, the known capabilities and the
// feature leaves of KVM_GET_SUPPORTED_CPUID for the device at path.
func Report(w io.Writer, path string) error {
	h, err := kvm.Open(path)
	if err != nil {
		return err
	}
	defer h.Close()

	v, err := kvm.GetAPIVersion(h.Fd())
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "kvm api version: %d\n\n", v)

	if err := printCapabilities(w, h.Fd()); err != nil {
		return err
	}

	var cpuid kvm.CPUID
	if err := kvm.GetSupportedCPUID(h.Fd(), &cpuid); err != nil {
		return err
	}

	printCPUID(w, &cpuid)

	return nil
}

func printCapabilities(w io.Writer, fd uintptr) error {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintln(tw, "CAPABILITY\tVALUE")

	for _, c := range kvm.Capabilities() {
		n, err := kvm.CheckExtension(fd, c)
		if err != nil {
			return fmt.Errorf("%s: %w", c, err)
		}

		fmt.Fprintf(tw, "%s\t%d\n", c, n)
	}

	fmt.Fprintln(tw)

	return tw.Flush()
}

func printCPUID(w io.Writer, cpuid *kvm.CPUID) {
	fmt.Fprintf(w, "supported cpuid entries: %d\n", cpuid.Nent)

	for _, e := range cpuid.Entries[:cpuid.Nent] {
		switch {
		case e.Function == 1:
			fmt.Fprintf(w, "F_1: ecx=%08x edx=%08x\n", e.Ecx, e.Edx)
		case e.Function == 7 && e.Index == 0:
			fmt.Fprintf(w, "F_7_0: ebx=%08x ecx=%08x edx=%08x\n", e.Ebx, e.Ecx, e.Edx)
		}
	}
}
