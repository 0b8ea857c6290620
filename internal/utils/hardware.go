package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"strings"
	"sync"
)

var (
	deviceOnce sync.Once
	deviceID   string
)

// DeviceID identifies this install to the cloud mirror. POS_DEVICE_ID wins;
// otherwise the first active hardware address is hashed into "POS-XXXXXXXX".
func DeviceID() string {
	deviceOnce.Do(func() {
		if v := strings.TrimSpace(os.Getenv("POS_DEVICE_ID")); v != "" {
			deviceID = v
			return
		}
		deviceID = hashHardwareAddr(firstHardwareAddr())
	})
	return deviceID
}

func firstHardwareAddr() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, i := range interfaces {
		// Skip loopback and down interfaces
		if i.Flags&net.FlagUp != 0 && i.Flags&net.FlagLoopback == 0 && len(i.HardwareAddr) > 0 {
			return i.HardwareAddr.String()
		}
	}
	return ""
}

func hashHardwareAddr(mac string) string {
	if mac == "" {
		return "POS-UNKNOWN"
	}
	hash := sha256.Sum256([]byte(mac + "POS-DEVICE"))
	return "POS-" + strings.ToUpper(hex.EncodeToString(hash[:])[:8])
}
