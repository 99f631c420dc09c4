//go:build linux

package linux

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/ardnew/softuhci/pkg"
)

// =============================================================================
// PCI Function Information
// =============================================================================

// Function describes a PCI function discovered in sysfs.
type Function struct {
	Name      string // bus address, e.g. "0000:00:1d.0"
	Path      string // sysfs directory
	Vendor    uint16
	Device    uint16
	Class     uint32 // class, subclass and prog-if
	IRQ       int
	Driver    string // bound kernel driver, empty if none
	Resources []Resource
}

// IsUHCI reports whether the function is a UHCI controller.
func (f Function) IsUHCI() bool {
	return f.Class == ClassUHCI
}

// Resource is one line of the sysfs "resource" attribute.
type Resource struct {
	Start uint64
	End   uint64
	Flags uint64
}

// Size returns the length of the resource window.
func (r Resource) Size() uint64 {
	if r.End < r.Start || r.Start == 0 {
		return 0
	}
	return r.End - r.Start + 1
}

// IsIO reports whether the resource lives in I/O port space.
func (r Resource) IsIO() bool { return r.Flags&resourceIO != 0 }

// IsMem reports whether the resource is memory mapped.
func (r Resource) IsMem() bool { return r.Flags&resourceMem != 0 }

// =============================================================================
// Sysfs Parsing
// =============================================================================

// Scan lists every PCI function under root, sorted by name. Functions whose
// attributes cannot be read are skipped.
func Scan(root string) ([]Function, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("linux: scan %s: %w", root, err)
	}
	var out []Function
	for _, entry := range entries {
		fn, err := ParseFunction(filepath.Join(root, entry.Name()))
		if err != nil {
			pkg.LogDebug(pkg.ComponentHAL, "skip pci function", "name", entry.Name(), "error", err)
			continue
		}
		out = append(out, fn)
	}
	slices.SortFunc(out, func(a, b Function) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// ScanUHCI lists the UHCI controllers under root.
func ScanUHCI(root string) ([]Function, error) {
	all, err := Scan(root)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(f Function) bool { return !f.IsUHCI() }), nil
}

// Lookup finds a function by bus address under root.
func Lookup(root, name string) (Function, error) {
	fn, err := ParseFunction(filepath.Join(root, name))
	if err != nil {
		return Function{}, fmt.Errorf("linux: %s: %w: %w", name, pkg.ErrNoDevice, err)
	}
	return fn, nil
}

// ParseFunction reads the attributes of one sysfs PCI function directory.
func ParseFunction(path string) (Function, error) {
	fn := Function{Name: filepath.Base(path), Path: path}

	vendor, err := readSysfsHexUint16(filepath.Join(path, "vendor"))
	if err != nil {
		return fn, err
	}
	fn.Vendor = vendor

	device, err := readSysfsHexUint16(filepath.Join(path, "device"))
	if err != nil {
		return fn, err
	}
	fn.Device = device

	class, err := readSysfsHex(filepath.Join(path, "class"), 32)
	if err != nil {
		return fn, err
	}
	fn.Class = uint32(class)

	if irq, err := readSysfsUint(filepath.Join(path, "irq"), 32); err == nil {
		fn.IRQ = int(irq)
	}
	if link, err := os.Readlink(filepath.Join(path, "driver")); err == nil {
		fn.Driver = filepath.Base(link)
	}
	if res, err := readResources(filepath.Join(path, "resource")); err == nil {
		fn.Resources = res
	}
	return fn, nil
}

// readResources parses the "resource" attribute: one line per region with
// start, end and flags in hex.
func readResources(path string) ([]Resource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Resource
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 {
			return nil, fmt.Errorf("linux: %s line %d: %w", path, len(out)+1, pkg.ErrInvalidParameter)
		}
		var v [3]uint64
		for i, s := range fields {
			v[i], err = strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
			if err != nil {
				return nil, fmt.Errorf("linux: %s line %d: %w", path, len(out)+1, err)
			}
		}
		out = append(out, Resource{Start: v[0], End: v[1], Flags: v[2]})
	}
	return out, sc.Err()
}

// uioNode finds the /dev/uioN node bound to a PCI function, if any.
func uioNode(fn Function) (string, error) {
	entries, err := os.ReadDir(filepath.Join(fn.Path, "uio"))
	if err != nil {
		return "", fmt.Errorf("linux: %s has no uio node: %w", fn.Name, pkg.ErrNotSupported)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "uio") {
			return filepath.Join("/dev", e.Name()), nil
		}
	}
	return "", fmt.Errorf("linux: %s has no uio node: %w", fn.Name, pkg.ErrNotSupported)
}

// =============================================================================
// Sysfs Read Helpers
// =============================================================================

// readSysfsString reads a string from a sysfs attribute file.
func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readSysfsUint reads an unsigned decimal integer from a sysfs attribute file.
func readSysfsUint(path string, bitSize int) (uint64, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, bitSize)
}

// readSysfsHex reads a hexadecimal value from a sysfs attribute file.
func readSysfsHex(path string, bitSize int) (uint64, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, bitSize)
}

// readSysfsHexUint16 reads a hexadecimal uint16 from a sysfs attribute file.
func readSysfsHexUint16(path string) (uint16, error) {
	v, err := readSysfsHex(path, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
