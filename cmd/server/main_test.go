package main

import (
	"context"
	"errors"
	"testing"

	"github.com/ashureev/sandbox-router/internal/container"
)

func TestEnsureImage_Present(t *testing.T) {
	rt := container.NewFakeRuntime()
	rt.Images["sandbox:latest"] = true

	if err := ensureImage(context.Background(), rt, "sandbox:latest", "/images/sandbox.tar.gz"); err != nil {
		t.Fatalf("ensureImage() error = %v", err)
	}
	if got := rt.Calls("LoadImage"); got != 0 {
		t.Errorf("expected no image load, got %d", got)
	}
}

func TestEnsureImage_MissingWithoutArchive(t *testing.T) {
	rt := container.NewFakeRuntime()

	if err := ensureImage(context.Background(), rt, "sandbox:latest", ""); err != nil {
		t.Fatalf("ensureImage() error = %v", err)
	}
	if got := rt.Calls("LoadImage"); got != 0 {
		t.Errorf("expected no image load, got %d", got)
	}
}

func TestEnsureImage_ArchiveWithoutImage(t *testing.T) {
	rt := container.NewFakeRuntime()

	err := ensureImage(context.Background(), rt, "sandbox:latest", "/images/other.tar.gz")
	if !errors.Is(err, container.ErrImageNotFound) {
		t.Fatalf("expected ErrImageNotFound, got %v", err)
	}
	if got := rt.Calls("LoadImage"); got != 1 {
		t.Errorf("expected 1 image load, got %d", got)
	}
}

func TestEnsureImage_LoadFailure(t *testing.T) {
	rt := container.NewFakeRuntime()
	rt.SetError("LoadImage", errors.New("archive truncated"))

	if err := ensureImage(context.Background(), rt, "sandbox:latest", "/images/sandbox.tar.gz"); err == nil {
		t.Fatal("expected load failure to be returned")
	}
}
