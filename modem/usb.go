package modem

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"photonicat.com/pcatd/status"
)

const sysfsUSBDevices = "/sys/bus/usb/devices"

// DeviceTablePath optionally extends the built-in supported-modem table.
const DeviceTablePath = "/etc/pcat-manager-modems.yaml"

// DeviceEntry describes one supported modem model and the helper that
// drives it.
type DeviceEntry struct {
	Vendor  uint16 `yaml:"vendor"`
	Product uint16 `yaml:"product"` // 0 matches any product id
	Exec    string `yaml:"exec"`
	Class   string `yaml:"class"` // "general" or "5g"
}

func (e DeviceEntry) deviceClass() status.DeviceClass {
	if e.Class == "5g" {
		return status.Device5G
	}
	return status.DeviceGeneral
}

func builtinDeviceTable() []DeviceEntry {
	return []DeviceEntry{
		// Quectel: any product id, driven by quectel-cm.
		{Vendor: 0x2C7C, Product: 0, Exec: "quectel-cm", Class: "general"},
	}
}

// LoadDeviceTable returns the built-in table, extended from the YAML
// file at path when present.
func LoadDeviceTable(path string) []DeviceEntry {
	table := builtinDeviceTable()
	data, err := os.ReadFile(path)
	if err != nil {
		return table
	}
	var extra []DeviceEntry
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return table
	}
	for _, e := range extra {
		if e.Vendor == 0 || e.Exec == "" {
			continue
		}
		table = append(table, e)
	}
	return table
}

func matchDevice(table []DeviceEntry, vendor, product uint16) (DeviceEntry, bool) {
	for _, e := range table {
		if e.Vendor == vendor && (e.Product == 0 || e.Product == product) {
			return e, true
		}
	}
	return DeviceEntry{}, false
}

type usbID struct {
	vendor  uint16
	product uint16
}

// scanUSB enumerates the USB device tree under root and returns the
// (idVendor, idProduct) pairs found.
func scanUSB(root string) ([]usbID, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}
	var ids []usbID
	for _, entry := range entries {
		vendor, err := readHexID(filepath.Join(root, entry.Name(), "idVendor"))
		if err != nil {
			continue
		}
		product, err := readHexID(filepath.Join(root, entry.Name(), "idProduct"))
		if err != nil {
			continue
		}
		ids = append(ids, usbID{vendor: vendor, product: product})
	}
	return ids, nil
}

func readHexID(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
