// Package hwinfo collects the host identifiers used for hardware binding.
package hwinfo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rcourtman/campus-license/internal/crypto"
	"github.com/rs/zerolog/log"
	gocpu "github.com/shirou/gopsutil/v4/cpu"
	godisk "github.com/shirou/gopsutil/v4/disk"
	gohost "github.com/shirou/gopsutil/v4/host"
	gonet "github.com/shirou/gopsutil/v4/net"
)

// System call wrappers for testing
var (
	cpuInfo        = gocpu.InfoWithContext
	hostInfo       = gohost.InfoWithContext
	netInterfaces  = gonet.InterfacesWithContext
	diskPartitions = godisk.PartitionsWithContext
	diskSerial     = godisk.SerialNumberWithContext
)

// ErrNoIdentifiers is returned when no identifier could be read at all.
var ErrNoIdentifiers = errors.New("no hardware identifiers available")

// Collect reads the CPU, primary network interface and root disk
// identifiers. Individual failures leave the field empty.
func Collect(ctx context.Context) (crypto.HardwareInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var info crypto.HardwareInfo

	if cpus, err := cpuInfo(ctx); err != nil {
		log.Debug().Err(err).Msg("CPU info unavailable")
	} else if len(cpus) > 0 {
		c := cpus[0]
		info.CPUID = strings.Join([]string{c.VendorID, c.Family, c.Model, strings.TrimSpace(c.ModelName)}, "/")
	}

	if h, err := hostInfo(ctx); err != nil {
		log.Debug().Err(err).Msg("Host info unavailable")
	} else if h != nil {
		info.HostID = h.HostID
		info.Hostname = h.Hostname
	}

	if ifaces, err := netInterfaces(ctx); err != nil {
		log.Debug().Err(err).Msg("Network interfaces unavailable")
	} else {
		info.MACAddress = primaryMAC(ifaces)
	}

	info.DiskID = rootDiskID(ctx)

	if info.CPUID == "" && info.MACAddress == "" && info.DiskID == "" && info.HostID == "" {
		return info, ErrNoIdentifiers
	}
	return info, nil
}

// Fingerprint collects identifiers and hashes them.
func Fingerprint(ctx context.Context) (string, crypto.HardwareInfo, error) {
	info, err := Collect(ctx)
	if err != nil {
		return "", info, fmt.Errorf("collect hardware info: %w", err)
	}
	return crypto.HardwareFingerprint(info), info, nil
}

// primaryMAC picks the first physical-looking interface by name so the
// result does not depend on enumeration order.
func primaryMAC(ifaces []gonet.InterfaceStat) string {
	var candidates []gonet.InterfaceStat
	for _, iface := range ifaces {
		if iface.HardwareAddr == "" || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		if isVirtualInterface(iface.Name) {
			continue
		}
		candidates = append(candidates, iface)
	}
	if len(candidates) == 0 {
		return ""
	}
	slices.SortFunc(candidates, func(a, b gonet.InterfaceStat) int {
		return strings.Compare(a.Name, b.Name)
	})
	return strings.ToLower(candidates[0].HardwareAddr)
}

func isVirtualInterface(name string) bool {
	for _, prefix := range []string{"docker", "veth", "br-", "virbr", "tap", "tun", "vmnet", "cni", "flannel"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// rootDiskID prefers the serial number of the device mounted at /, then
// the device name itself.
func rootDiskID(ctx context.Context) string {
	parts, err := diskPartitions(ctx, false)
	if err != nil {
		log.Debug().Err(err).Msg("Disk partitions unavailable")
		return ""
	}
	for _, p := range parts {
		if p.Mountpoint != "/" && !strings.EqualFold(p.Mountpoint, `C:\`) {
			continue
		}
		if serial, err := diskSerial(ctx, p.Device); err == nil && strings.TrimSpace(serial) != "" {
			return strings.TrimSpace(serial)
		}
		return p.Device
	}
	return ""
}
