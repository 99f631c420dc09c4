package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/olekukonko/tablewriter"
	"github.com/sugawarayuuta/sonnet"

	"github.com/ardnew/softuhci/host"
	"github.com/ardnew/softuhci/pkg"
	"github.com/ardnew/softuhci/pkg/ids"
)

// busReport is the device tree a run found.
type busReport struct {
	Ports   []portReport   `json:"ports" cbor:"ports"`
	Devices []deviceReport `json:"devices" cbor:"devices"`
	Events  []eventReport  `json:"events,omitempty" cbor:"events,omitempty"`
}

type portReport struct {
	Port      int    `json:"port" cbor:"port"`
	Connected bool   `json:"connected" cbor:"connected"`
	Enabled   bool   `json:"enabled" cbor:"enabled"`
	Speed     string `json:"speed" cbor:"speed"`
}

type deviceReport struct {
	Port          int               `json:"port" cbor:"port"`
	Address       uint8             `json:"address" cbor:"address"`
	Speed         string            `json:"speed" cbor:"speed"`
	State         string            `json:"state" cbor:"state"`
	Vendor        uint16            `json:"vendor" cbor:"vendor"`
	Product       uint16            `json:"product" cbor:"product"`
	VendorName    string            `json:"vendor_name,omitempty" cbor:"vendor_name,omitempty"`
	ProductName   string            `json:"product_name,omitempty" cbor:"product_name,omitempty"`
	Manufacturer  string            `json:"manufacturer,omitempty" cbor:"manufacturer,omitempty"`
	Description   string            `json:"description,omitempty" cbor:"description,omitempty"`
	Serial        string            `json:"serial,omitempty" cbor:"serial,omitempty"`
	MaxPacket0    uint8             `json:"max_packet0" cbor:"max_packet0"`
	Configuration uint8             `json:"configuration" cbor:"configuration"`
	Interfaces    []interfaceReport `json:"interfaces" cbor:"interfaces"`
}

type interfaceReport struct {
	Number    uint8            `json:"number" cbor:"number"`
	Alternate uint8            `json:"alternate" cbor:"alternate"`
	Class     uint8            `json:"class" cbor:"class"`
	SubClass  uint8            `json:"subclass" cbor:"subclass"`
	Protocol  uint8            `json:"protocol" cbor:"protocol"`
	ClassName string           `json:"class_name,omitempty" cbor:"class_name,omitempty"`
	Driver    string           `json:"driver,omitempty" cbor:"driver,omitempty"`
	Endpoints []endpointReport `json:"endpoints" cbor:"endpoints"`
}

type endpointReport struct {
	Address   uint8  `json:"address" cbor:"address"`
	Type      string `json:"type" cbor:"type"`
	MaxPacket uint16 `json:"max_packet" cbor:"max_packet"`
	Interval  uint8  `json:"interval" cbor:"interval"`
}

type eventReport struct {
	Type   string `json:"type" cbor:"type"`
	Port   int    `json:"port" cbor:"port"`
	Driver string `json:"driver,omitempty" cbor:"driver,omitempty"`
	Error  string `json:"error,omitempty" cbor:"error,omitempty"`
}

// usbNames loads the USB ID database if one is installed. Names are left
// blank otherwise.
func usbNames() *ids.Database {
	db := ids.New(ids.USBPaths)
	if !db.Load() {
		pkg.LogDebug(pkg.ComponentHost, "usb.ids not found, names omitted")
	}
	return db
}

// buildReport snapshots the ports and every enumerated device.
func buildReport(h *host.Host, names *ids.Database) busReport {
	var rep busReport
	for port := 0; port < h.NumPorts(); port++ {
		ps, err := h.PortStatus(port)
		if err != nil {
			continue
		}
		rep.Ports = append(rep.Ports, portReport{
			Port:      port,
			Connected: ps.Connected,
			Enabled:   ps.Enabled,
			Speed:     ps.Speed.String(),
		})
	}
	for _, dev := range h.Devices() {
		rep.Devices = append(rep.Devices, describeDevice(dev, names))
	}
	return rep
}

func describeDevice(dev *host.Device, names *ids.Database) deviceReport {
	desc := dev.Descriptor()
	d := deviceReport{
		Port:         dev.Port(),
		Address:      dev.Address(),
		Speed:        dev.Speed().String(),
		State:        dev.State().String(),
		Vendor:       desc.VendorID,
		Product:      desc.ProductID,
		VendorName:   names.Vendor(desc.VendorID),
		ProductName:  names.Product(desc.VendorID, desc.ProductID),
		Manufacturer: dev.Manufacturer(),
		Description:  dev.Product(),
		Serial:       dev.SerialNumber(),
		MaxPacket0:   dev.MaxPacketSize0(),
	}
	if cfg := dev.ActiveConfiguration(); cfg != nil {
		d.Configuration = cfg.Descriptor.ConfigurationValue
	}
	for _, ifc := range dev.Interfaces() {
		alt := ifc.Active()
		if alt == nil {
			continue
		}
		ir := interfaceReport{
			Number:    ifc.Number,
			Alternate: alt.Descriptor.AlternateSetting,
			Class:     alt.Descriptor.InterfaceClass,
			SubClass:  alt.Descriptor.InterfaceSubClass,
			Protocol:  alt.Descriptor.InterfaceProtocol,
			ClassName: names.Class(alt.Descriptor.InterfaceClass, alt.Descriptor.InterfaceSubClass, alt.Descriptor.InterfaceProtocol),
		}
		if drv := ifc.Driver(); drv != nil {
			ir.Driver = drv.Name
		}
		for i := range alt.Endpoints {
			ep := &alt.Endpoints[i]
			ir.Endpoints = append(ir.Endpoints, endpointReport{
				Address:   ep.EndpointAddress,
				Type:      ep.TransferType().String(),
				MaxPacket: ep.MaxPacketSize,
				Interval:  ep.Interval,
			})
		}
		d.Interfaces = append(d.Interfaces, ir)
	}
	return d
}

func eventReports(events []host.Event) []eventReport {
	out := make([]eventReport, 0, len(events))
	for _, ev := range events {
		r := eventReport{Type: ev.Type.String(), Port: ev.Port}
		if ev.Driver != nil {
			r.Driver = ev.Driver.Name
		}
		if ev.Err != nil {
			r.Error = ev.Err.Error()
		}
		out = append(out, r)
	}
	return out
}

// =============================================================================
// Output Formats
// =============================================================================

type format uint8

const (
	formatTable format = iota
	formatJSON
	formatCBOR
)

func parseFormat(s string) (format, error) {
	switch strings.ToLower(s) {
	case "", "table":
		return formatTable, nil
	case "json":
		return formatJSON, nil
	case "cbor":
		return formatCBOR, nil
	default:
		return 0, fmt.Errorf("output format %q: %w", s, pkg.ErrInvalidParameter)
	}
}

func (f format) write(w io.Writer, rep busReport) error {
	switch f {
	case formatJSON:
		b, err := sonnet.Marshal(rep)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	case formatCBOR:
		b, err := cbor.Marshal(rep)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	default:
		writeTables(w, rep)
		return nil
	}
}

func writeTables(w io.Writer, rep busReport) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Port", "Addr", "Speed", "State", "ID", "Manufacturer", "Product", "Config"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	for _, d := range rep.Devices {
		manufacturer, product := d.Manufacturer, d.Description
		if manufacturer == "" {
			manufacturer = d.VendorName
		}
		if product == "" {
			product = d.ProductName
		}
		table.Append([]string{
			fmt.Sprint(d.Port),
			fmt.Sprint(d.Address),
			d.Speed,
			d.State,
			fmt.Sprintf("%04x:%04x", d.Vendor, d.Product),
			manufacturer,
			product,
			fmt.Sprint(d.Configuration),
		})
	}
	table.Render()

	table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"Addr", "Iface", "Alt", "Class", "Driver", "Endpoints"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	for _, d := range rep.Devices {
		for _, ifc := range d.Interfaces {
			class := fmt.Sprintf("%02x/%02x/%02x", ifc.Class, ifc.SubClass, ifc.Protocol)
			if ifc.ClassName != "" {
				class += " " + ifc.ClassName
			}
			eps := make([]string, 0, len(ifc.Endpoints))
			for _, ep := range ifc.Endpoints {
				eps = append(eps, fmt.Sprintf("%#02x %s/%d", ep.Address, ep.Type, ep.MaxPacket))
			}
			table.Append([]string{
				fmt.Sprint(d.Address),
				fmt.Sprint(ifc.Number),
				fmt.Sprint(ifc.Alternate),
				class,
				ifc.Driver,
				strings.Join(eps, ", "),
			})
		}
	}
	table.Render()

	if len(rep.Events) == 0 {
		return
	}
	table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"Event", "Port", "Driver", "Error"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, ev := range rep.Events {
		table.Append([]string{ev.Type, fmt.Sprint(ev.Port), ev.Driver, ev.Error})
	}
	table.Render()
}
