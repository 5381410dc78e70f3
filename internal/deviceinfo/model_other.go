//go:build !windows

package deviceinfo

import (
	"context"
	"os"
	"os/exec"
	"strings"
)

const dmiProductName = "/sys/devices/virtual/dmi/id/product_name"

// detectModel asks Android's property service first and falls back to the
// DMI product name on desktop Linux.
func detectModel(ctx context.Context) (string, error) {
	if out, err := exec.CommandContext(ctx, "getprop", "ro.product.model").Output(); err == nil {
		if model := strings.TrimSpace(string(out)); model != "" {
			return model, nil
		}
	}

	data, err := os.ReadFile(dmiProductName)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func unknownModel() string {
	return "UnknownAndroid"
}
