// Package ids looks up vendor, product and class names in the usb.ids and
// pci.ids databases shipped by most Linux distributions.
//
// Both files share one format: vendor lines ("xxxx  Name"), tab-indented
// product lines, and "C" class sections with tab-indented subclass and
// programming-interface lines. A [Database] parses either.
//
//	db := ids.New(ids.USBPaths)
//	db.Load()
//	name := db.Product(0x046d, 0xc31c)
//
// Missing files are not an error; lookups then return empty strings.
package ids
