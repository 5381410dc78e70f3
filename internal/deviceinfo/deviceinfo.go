// Package deviceinfo describes the local device to peers: a display name, a
// DNS-SD friendly service name and the environment label.
package deviceinfo

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"
)

// Environments reported to peers.
const (
	EnvWindows = "windows"
	EnvAndroid = "android"
)

// Provider supplies the platform details peers see.
type Provider interface {
	// DeviceName is the human readable name, "model (user)".
	DeviceName() string
	// ServiceName is the DNS-SD instance label, "model_user".
	ServiceName() string
	// Environment is "windows" or "android".
	Environment() string
}

// Static is a Provider with fixed values.
type Static struct {
	Model string
	User  string
	Env   string
}

func (s Static) DeviceName() string {
	return s.Model + " (" + s.User + ")"
}

func (s Static) ServiceName() string {
	return strings.ReplaceAll(s.Model+"_"+s.User, " ", "_")
}

func (s Static) Environment() string {
	return s.Env
}

// Detect probes the platform once and returns a Static provider. A non-empty
// name or environment override replaces the detected value.
func Detect(ctx context.Context, nameOverride, envOverride string, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}

	env := platformEnvironment()
	if envOverride != "" {
		env = envOverride
	}

	if nameOverride != "" {
		return named{name: nameOverride, env: env}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	model, err := detectModel(ctx)
	if err != nil || model == "" {
		logger.Warn("failed to detect device model", "error", err)
		model = unknownModel()
	}

	return Static{Model: model, User: currentUser(), Env: env}
}

// named is a Provider whose name came from configuration.
type named struct {
	name string
	env  string
}

func (n named) DeviceName() string  { return n.name }
func (n named) ServiceName() string { return strings.ReplaceAll(n.name, " ", "_") }
func (n named) Environment() string { return n.env }

func platformEnvironment() string {
	if runtime.GOOS == "windows" {
		return EnvWindows
	}
	return EnvAndroid
}

func currentUser() string {
	for _, key := range []string{"USER", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "unknown"
}
