package io

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	SupportedSchemaVersion = 1
	SupportedCodecVersion  = 1
)

var (
	ErrDeviceExists    = errors.New("device backend already registered")
	ErrDeviceNotFound  = errors.New("device backend not found")
	ErrVersionMismatch = errors.New("registry version mismatch")
	ErrIncompatible    = errors.New("device backend incompatible with mode")
)

// CompatibilityFn reports whether a backend can serve a controller mode.
type CompatibilityFn func(mode string) error

// DeviceFactory opens the device for unit.
type DeviceFactory func(unit string) (Device, error)

type DeviceSpec struct {
	Name          string
	Factory       DeviceFactory
	SchemaVersion int
	CodecVersion  int
	Compatible    CompatibilityFn
}

type registeredDevice struct {
	factory       DeviceFactory
	schemaVersion int
	codecVersion  int
	compatible    CompatibilityFn
}

var deviceRegistry = struct {
	mu sync.RWMutex
	m  map[string]registeredDevice
}{
	m: make(map[string]registeredDevice),
}

func RegisterDevice(name string, factory DeviceFactory) error {
	return RegisterDeviceWithSpec(DeviceSpec{
		Name:          name,
		Factory:       factory,
		SchemaVersion: SupportedSchemaVersion,
		CodecVersion:  SupportedCodecVersion,
	})
}

func RegisterDeviceWithSpec(spec DeviceSpec) error {
	if spec.Name == "" {
		return errors.New("device backend name is required")
	}
	if spec.Factory == nil {
		return errors.New("device factory is required")
	}
	if spec.SchemaVersion != SupportedSchemaVersion || spec.CodecVersion != SupportedCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrVersionMismatch, spec.SchemaVersion, spec.CodecVersion)
	}

	deviceRegistry.mu.Lock()
	defer deviceRegistry.mu.Unlock()

	if _, exists := deviceRegistry.m[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDeviceExists, spec.Name)
	}
	deviceRegistry.m[spec.Name] = registeredDevice{
		factory:       spec.Factory,
		schemaVersion: spec.SchemaVersion,
		codecVersion:  spec.CodecVersion,
		compatible:    spec.Compatible,
	}
	return nil
}

// ResolveDevice opens unit on the named backend after checking it can serve
// mode. Backend aliases are accepted.
func ResolveDevice(backend, unit, mode string) (Device, error) {
	entry, resolvedName, ok := findRegisteredDevice(backend)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, backend)
	}
	if err := deviceCompatibilityError(resolvedName, entry, mode); err != nil {
		return nil, err
	}
	return entry.factory(unit)
}

func DeviceCompatibleWithMode(backend, mode string) bool {
	entry, resolvedName, ok := findRegisteredDevice(backend)
	if !ok {
		return false
	}
	return deviceCompatibilityError(resolvedName, entry, mode) == nil
}

func ListDevices() []string {
	deviceRegistry.mu.RLock()
	defer deviceRegistry.mu.RUnlock()

	names := make([]string, 0, len(deviceRegistry.m))
	for n := range deviceRegistry.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func deviceCompatibilityError(name string, entry registeredDevice, mode string) error {
	if entry.schemaVersion != SupportedSchemaVersion || entry.codecVersion != SupportedCodecVersion {
		return fmt.Errorf("%w: %s", ErrVersionMismatch, name)
	}
	if entry.compatible != nil {
		if err := entry.compatible(mode); err != nil {
			return fmt.Errorf("%w: device=%s: %v", ErrIncompatible, name, err)
		}
	}
	return nil
}

func findRegisteredDevice(name string) (registeredDevice, string, bool) {
	lookupName := strings.TrimSpace(name)
	if lookupName == "" {
		return registeredDevice{}, "", false
	}

	deviceRegistry.mu.RLock()
	defer deviceRegistry.mu.RUnlock()

	if entry, ok := deviceRegistry.m[lookupName]; ok {
		return entry, lookupName, true
	}

	canonicalName := CanonicalBackendName(lookupName)
	if canonicalName != "" && canonicalName != lookupName {
		if entry, ok := deviceRegistry.m[canonicalName]; ok {
			return entry, canonicalName, true
		}
	}
	return registeredDevice{}, "", false
}

func resetRegistryForTests() {
	deviceRegistry.mu.Lock()
	deviceRegistry.m = make(map[string]registeredDevice)
	deviceRegistry.mu.Unlock()

	initializeDefaultDevices()
}
