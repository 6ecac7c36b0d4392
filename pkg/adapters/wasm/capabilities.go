package wasm

import (
	"fmt"
	"os"
	"strings"
)

// Capability names a host function group a module may import.
type Capability string

const (
	// CapabilityLog allows env.host_log.
	CapabilityLog Capability = "log"

	// CapabilityEnvRead allows env.env_get for non-sensitive variables.
	CapabilityEnvRead Capability = "env:read"
)

// AllCapabilities is the default allow list of a registry.
var AllCapabilities = []Capability{CapabilityLog, CapabilityEnvRead}

// enforcer gates host functions on the capabilities granted to one module.
type enforcer struct {
	granted map[Capability]bool
	lookup  func(string) (string, bool)
}

func newEnforcer(granted []Capability) *enforcer {
	e := &enforcer{
		granted: make(map[Capability]bool, len(granted)),
		lookup:  os.LookupEnv,
	}
	for _, c := range granted {
		e.granted[c] = true
	}
	return e
}

func (e *enforcer) has(c Capability) bool {
	return e.granted[c]
}

// readEnv returns the value of key when the module holds env:read and key is
// not a credential.
func (e *enforcer) readEnv(key string) (string, error) {
	if !e.has(CapabilityEnvRead) {
		return "", fmt.Errorf("capability %s not granted", CapabilityEnvRead)
	}
	if isSensitiveEnvVar(key) {
		return "", fmt.Errorf("access to sensitive environment variable denied: %s", key)
	}
	v, ok := e.lookup(key)
	if !ok {
		return "", fmt.Errorf("environment variable %s not set", key)
	}
	return v, nil
}

// validateCapabilities rejects requested capabilities outside allowed.
func validateCapabilities(requested []Capability, allowed map[Capability]bool) error {
	for _, c := range requested {
		if !allowed[c] {
			return fmt.Errorf("capability %s not allowed", c)
		}
	}
	return nil
}

func isSensitiveEnvVar(key string) bool {
	sensitiveVars := []string{
		"AWS_SECRET_ACCESS_KEY",
		"AWS_SESSION_TOKEN",
		"PRIVATE_KEY",
		"DATABASE_PASSWORD",
		"API_KEY",
		"SECRET",
		"TOKEN",
		"PASSWORD",
	}

	upperKey := strings.ToUpper(key)
	for _, sensitive := range sensitiveVars {
		if strings.Contains(upperKey, sensitive) {
			return true
		}
	}
	return false
}
