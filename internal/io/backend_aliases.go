package io

import "strings"

const (
	SimulatedBackendAliasName = "simulated"
	FakeBackendAliasName      = "fake"
)

var backendAliasToCanonical = map[string]string{
	SimulatedBackendAliasName: SimBackendName,
	FakeBackendAliasName:      SimBackendName,
}

func CanonicalBackendName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	if canonical, ok := backendAliasToCanonical[strings.ToLower(trimmed)]; ok {
		return canonical
	}
	return trimmed
}
