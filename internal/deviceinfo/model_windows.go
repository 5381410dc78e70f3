//go:build windows

package deviceinfo

import (
	"context"
	"os/exec"
	"strings"
)

func detectModel(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "wmic", "computersystem", "get", "model").Output()
	if err != nil {
		return "", err
	}
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	// first line is the "Model" header
	if len(lines) < 2 {
		return "UnknownModel", nil
	}
	return lines[1], nil
}

func unknownModel() string {
	return "UnknownWindows"
}
