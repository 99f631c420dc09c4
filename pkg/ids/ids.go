package ids

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// USBPaths lists the standard locations of the USB ID database.
var USBPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// PCIPaths lists the standard locations of the PCI ID database.
var PCIPaths = []string{
	"/usr/share/hwdata/pci.ids",
	"/usr/share/misc/pci.ids",
	"/usr/share/pci.ids",
}

// Database caches vendor, product and class names from an ID database.
type Database struct {
	vendors  map[uint16]string // VID -> vendor name
	products map[uint32]string // (VID<<16)|PID -> product name
	classes  map[uint32]string // (class<<16)|(sub<<8)|progIf, with levels marked
	loaded   bool
	mu       sync.RWMutex
	paths    []string
}

// class keys carry the depth in the top byte so "0c" and "0c 00" differ.
const (
	classLevel    = 1 << 24
	subclassLevel = 2 << 24
	progIfLevel   = 3 << 24
)

// New creates a database that searches the given paths in order.
func New(paths []string) *Database {
	return &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
		classes:  make(map[uint32]string),
		paths:    paths,
	}
}

// Load parses the first database file that can be opened. It is idempotent.
// Returns false if no file could be found.
func (db *Database) Load() bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.loaded {
		return len(db.vendors) > 0
	}
	db.loaded = true

	for _, path := range db.paths {
		file, err := os.Open(path)
		if err != nil {
			continue
		}
		db.parse(file)
		file.Close()
		return true
	}
	return false
}

// LoadReader parses database text from r, merging into existing entries.
func (db *Database) LoadReader(r io.Reader) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.loaded = true
	db.parse(r)
}

// parse walks the database line by line. Vendor context resets at every
// unindented line; class context starts at "C " lines.
func (db *Database) parse(r io.Reader) {
	scanner := bufio.NewScanner(r)
	var (
		vendor   uint16
		inVendor bool
		class    int = -1
		subclass int = -1
	)

	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		depth := 0
		for depth < len(line) && line[depth] == '\t' {
			depth++
		}
		body := line[depth:]

		if depth == 0 {
			inVendor, class, subclass = false, -1, -1
			if strings.HasPrefix(body, "C ") {
				id, name, ok := splitEntry(body[2:], 2)
				if ok {
					class = int(id)
					db.classes[classLevel|uint32(id)<<16] = name
				}
				continue
			}
			id, name, ok := splitEntry(body, 4)
			if ok {
				vendor, inVendor = uint16(id), true
				db.vendors[vendor] = name
			}
			continue
		}

		switch {
		case inVendor && depth == 1:
			if id, name, ok := splitEntry(body, 4); ok {
				db.products[uint32(vendor)<<16|uint32(id)] = name
			}
		case class >= 0 && depth == 1:
			if id, name, ok := splitEntry(body, 2); ok {
				subclass = int(id)
				db.classes[subclassLevel|uint32(class)<<16|uint32(id)<<8] = name
			}
		case class >= 0 && subclass >= 0 && depth == 2:
			if id, name, ok := splitEntry(body, 2); ok {
				db.classes[progIfLevel|uint32(class)<<16|uint32(subclass)<<8|uint32(id)] = name
			}
		}
	}
}

// splitEntry parses "<hex id of width digits>  <name>".
func splitEntry(s string, width int) (uint64, string, bool) {
	if len(s) < width+2 || s[width] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:width], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return id, strings.TrimLeft(s[width:], " "), true
}

// Vendor returns the vendor name for vid, or "".
func (db *Database) Vendor(vid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vid]
}

// Product returns the product name for vid/pid, or "".
func (db *Database) Product(vid, pid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Class returns the most specific class name known for the triple, or "".
func (db *Database) Class(class, subclass, progIf uint8) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	key := uint32(class)<<16 | uint32(subclass)<<8
	if name, ok := db.classes[progIfLevel|key|uint32(progIf)]; ok {
		return name
	}
	if name, ok := db.classes[subclassLevel|key]; ok {
		return name
	}
	return db.classes[classLevel|uint32(class)<<16]
}

// IsLoaded returns true if a load has been attempted.
func (db *Database) IsLoaded() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.loaded
}

// VendorCount returns the number of vendors in the database.
func (db *Database) VendorCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors)
}

// ProductCount returns the number of products in the database.
func (db *Database) ProductCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.products)
}
