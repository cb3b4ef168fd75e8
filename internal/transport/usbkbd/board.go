package usbkbd

import (
	"strings"

	"github.com/jochenvg/go-udev"
	"go.uber.org/zap"
)

const (
	productID2024 uint16 = 0x1b2c
	productID2025 uint16 = 0x1bf2
)

// ProductIDForBoard maps a DMI board name to the keyboard's USB product id.
func ProductIDForBoard(board string) uint16 {
	switch board {
	case "UX8406CA":
		return productID2025
	default:
		return productID2024
	}
}

// BoardName reads the DMI board name through udev.
func BoardName() string {
	u := udev.Udev{}
	dmi := u.NewDeviceFromSyspath("/sys/class/dmi/id")
	if dmi == nil {
		return ""
	}
	return strings.TrimSpace(dmi.SysattrValue("board_name"))
}

// DetectProductID picks the product id of the keyboard shipped with this laptop.
func DetectProductID(log *zap.Logger) uint16 {
	board := BoardName()
	id := ProductIDForBoard(board)
	switch board {
	case "UX8406CA":
		log.Info("Detected Zenbook Duo 2025", zap.String("board", board))
	case "UX8406MA":
		log.Info("Detected Zenbook Duo 2024", zap.String("board", board))
	default:
		log.Warn("Unknown board name, using default product id", zap.String("board", board), zap.String("productId", "1b2c"))
	}
	return id
}
