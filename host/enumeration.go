package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softuhci/host/hal"
	"github.com/ardnew/softuhci/pkg"
)

// Enumeration errors.
var (
	ErrEnumerationFailed = errors.New("enumeration failed")
	ErrNoAddress         = errors.New("no address available")
)

// setAddressRecovery is the time a device may take to adopt a new address.
const setAddressRecovery = 2 * time.Millisecond

// addressAllocator hands out device addresses 1..MaxDevices. It is owned
// by a Host and passed to enumeration explicitly.
type addressAllocator struct {
	mutex sync.Mutex
	next  uint8
	used  [MaxDevices + 1]bool
}

func newAddressAllocator() *addressAllocator {
	return &addressAllocator{next: 1}
}

// allocate returns the next free address after the last one handed out,
// wrapping at MaxDevices, or 0 when all are in use.
func (a *addressAllocator) allocate() uint8 {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	for i := 0; i < MaxDevices; i++ {
		addr := a.next
		a.next++
		if a.next > MaxDevices {
			a.next = 1
		}
		if !a.used[addr] {
			a.used[addr] = true
			return addr
		}
	}
	return 0
}

// release returns addr to the pool.
func (a *addressAllocator) release(addr uint8) {
	if addr == 0 || addr > MaxDevices {
		return
	}
	a.mutex.Lock()
	a.used[addr] = false
	a.mutex.Unlock()
}

// inUse returns the number of allocated addresses.
func (a *addressAllocator) inUse() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	n := 0
	for _, u := range a.used {
		if u {
			n++
		}
	}
	return n
}

// enumerator carries the state of one enumeration attempt.
type enumerator struct {
	dev       *Device
	addrs     *addressAllocator
	maxConfig int
	buf       []byte
}

// enumerate walks a freshly reset device from Default to Configured:
//
//  1. read the first 8 bytes of the device descriptor at address 0 to learn
//     the control packet size
//  2. assign an address
//  3. read the language ID table
//  4. read the full device descriptor
//  5. read the manufacturer, product and serial strings
//  6. read every configuration, skipping those larger than maxConfig
//  7. select the first configuration
//
// Any failed descriptor fetch aborts. A device that fails after step 2
// keeps its address until the caller releases it; a device that fails
// before then stays in the Default state at address 0.
func enumerate(ctx context.Context, dev *Device, addrs *addressAllocator, maxConfig int) error {
	if maxConfig <= 0 {
		maxConfig = MaxConfigSize
	}
	e := &enumerator{dev: dev, addrs: addrs, maxConfig: maxConfig, buf: make([]byte, max(maxConfig, MaxStringSize))}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"max-packet", e.readMaxPacket},
		{"set-address", e.setAddress},
		{"lang-ids", e.readLangIDs},
		{"device-descriptor", e.readDeviceDescriptor},
		{"strings", e.readStrings},
		{"configurations", e.readConfigurations},
		{"set-configuration", e.selectConfiguration},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step.fn(ctx); err != nil {
			pkg.LogWarn(pkg.ComponentEnum, "enumeration step failed",
				"port", dev.port,
				"step", step.name,
				"error", err)
			return fmt.Errorf("%s: %w: %w", step.name, ErrEnumerationFailed, err)
		}
	}
	return nil
}

func (e *enumerator) readMaxPacket(context.Context) error {
	n, err := e.dev.GetDescriptor(DescriptorTypeDevice, 0, 0, e.buf[:8])
	if err != nil {
		return err
	}
	if n < 8 || e.buf[1] != DescriptorTypeDevice {
		return pkg.ErrDescriptorTooShort
	}
	mps := e.buf[7]
	switch mps {
	case 8, 16, 32, 64:
	default:
		pkg.LogDebug(pkg.ComponentEnum, "invalid max packet size, using default", "size", mps)
		mps = DefaultMaxPacketSize0
	}
	e.dev.mutex.Lock()
	e.dev.maxPacket0 = mps
	e.dev.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentEnum, "got max packet size", "size", mps)
	return nil
}

func (e *enumerator) setAddress(ctx context.Context) error {
	addr := e.addrs.allocate()
	if addr == 0 {
		return ErrNoAddress
	}
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetAddress,
		Value:       uint16(addr),
	}
	if _, err := e.dev.ControlTransfer(setup, nil); err != nil {
		e.addrs.release(addr)
		return err
	}

	select {
	case <-ctx.Done():
		e.addrs.release(addr)
		return ctx.Err()
	case <-time.After(setAddressRecovery):
	}

	e.dev.mutex.Lock()
	e.dev.address = addr
	e.dev.state = DeviceStateAddress
	e.dev.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentEnum, "assigned address", "address", addr)
	return nil
}

func (e *enumerator) readLangIDs(context.Context) error {
	n, err := e.dev.GetDescriptor(DescriptorTypeString, 0, 0, e.buf[:MaxStringSize])
	if errors.Is(err, pkg.ErrStall) {
		pkg.LogDebug(pkg.ComponentEnum, "device has no strings", "address", e.dev.Address())
		return nil
	}
	if err != nil {
		return err
	}
	ids, err := DecodeLangIDs(e.buf[:n])
	if err != nil {
		return fmt.Errorf("language table: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	e.dev.mutex.Lock()
	e.dev.langID = ids[0]
	e.dev.mutex.Unlock()
	return nil
}

func (e *enumerator) readDeviceDescriptor(context.Context) error {
	n, err := e.dev.GetDescriptor(DescriptorTypeDevice, 0, 0, e.buf[:DeviceDescriptorSize])
	if err != nil {
		return err
	}
	var desc DeviceDescriptor
	if err := desc.UnmarshalBinary(e.buf[:n]); err != nil {
		return err
	}
	e.dev.mutex.Lock()
	e.dev.descriptor = desc
	e.dev.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentEnum, "device descriptor",
		"vendorID", desc.VendorID,
		"productID", desc.ProductID,
		"class", desc.DeviceClass,
		"configurations", desc.NumConfigurations)
	return nil
}

func (e *enumerator) readStrings(context.Context) error {
	lang := e.dev.LangID()
	if lang == 0 {
		return nil
	}
	desc := e.dev.Descriptor()
	for _, index := range []uint8{desc.ManufacturerIndex, desc.ProductIndex, desc.SerialNumberIndex} {
		if index == 0 || e.dev.GetString(index) != "" {
			continue
		}
		n, err := e.dev.GetDescriptor(DescriptorTypeString, index, lang, e.buf[:MaxStringSize])
		if err != nil {
			return fmt.Errorf("string %d: %w", index, err)
		}
		s, err := DecodeString(e.buf[:n])
		if err != nil {
			return fmt.Errorf("string %d: %w", index, err)
		}
		e.dev.mutex.Lock()
		e.dev.strings[index] = s
		e.dev.mutex.Unlock()
		pkg.LogDebug(pkg.ComponentEnum, "string", "index", index, "value", s)
	}
	return nil
}

func (e *enumerator) readConfigurations(context.Context) error {
	count := e.dev.Descriptor().NumConfigurations
	var configs []*Configuration
	for i := uint8(0); i < count; i++ {
		n, err := e.dev.GetDescriptor(DescriptorTypeConfiguration, i, 0, e.buf[:4])
		if err != nil {
			return fmt.Errorf("configuration %d header: %w", i, err)
		}
		if n < 4 || e.buf[1] != DescriptorTypeConfiguration {
			return fmt.Errorf("configuration %d header: %w", i, pkg.ErrDescriptorTooShort)
		}
		total := int(e.buf[2]) | int(e.buf[3])<<8
		if total > e.maxConfig {
			pkg.LogWarn(pkg.ComponentEnum, "skipping oversized configuration",
				"index", i,
				"length", total,
				"max", e.maxConfig)
			continue
		}
		if total < ConfigurationDescriptorSize {
			return fmt.Errorf("configuration %d length %d: %w", i, total, pkg.ErrDescriptorTooShort)
		}
		n, err = e.dev.GetDescriptor(DescriptorTypeConfiguration, i, 0, e.buf[:total])
		if err != nil {
			return fmt.Errorf("configuration %d: %w", i, err)
		}
		cfg, err := ParseConfiguration(e.buf[:n])
		if err != nil {
			return fmt.Errorf("configuration %d: %w", i, err)
		}
		pkg.LogDebug(pkg.ComponentEnum, "configuration descriptor",
			"index", i,
			"value", cfg.Descriptor.ConfigurationValue,
			"interfaces", len(cfg.Interfaces))
		configs = append(configs, cfg)
	}
	if len(configs) == 0 {
		return errors.New("no usable configuration")
	}
	e.dev.mutex.Lock()
	e.dev.configs = configs
	e.dev.mutex.Unlock()
	return nil
}

func (e *enumerator) selectConfiguration(context.Context) error {
	return e.dev.SetConfiguration(e.dev.Configurations()[0].Descriptor.ConfigurationValue)
}
