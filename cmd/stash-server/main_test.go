package main

import (
	"testing"

	"github.com/cordum/stash/core/infra/buildinfo"
	"github.com/cordum/stash/core/infra/config"
)

func TestPackageImports(t *testing.T) {
	if buildinfo.Version == "" {
		t.Log("buildinfo not set (expected in dev)")
	}
}

func TestDefaultConfigIsServable(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}
