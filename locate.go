package iotests

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ErrQemuNotFound is returned when QEMU cannot be located.
var ErrQemuNotFound = errors.New("QEMU binary not found")

// searchPaths are searched after PATH.
var searchPaths = []string{
	"/pkg/main/app-emulation.qemu.core/bin",
	"/usr/libexec",
	"/usr/bin",
	"/usr/local/bin",
}

// archToQemu maps GOARCH values to QEMU binary suffixes.
var archToQemu = map[string]string{
	"amd64":   "x86_64",
	"386":     "i386",
	"arm64":   "aarch64",
	"arm":     "arm",
	"riscv64": "riscv64",
	"ppc64":   "ppc64",
	"ppc64le": "ppc64",
	"s390x":   "s390x",
}

// LocateQemu finds the QEMU system emulator for the given architecture.
// If customPath names a file, or a directory holding the binary, it wins.
// Otherwise qemu-system-<arch> is searched in PATH, then in a few well
// known directories. An empty arch means runtime.GOARCH.
func LocateQemu(arch string, customPath string) (string, error) {
	if arch == "" {
		arch = runtime.GOARCH
	}

	qemuArch, ok := archToQemu[arch]
	if !ok {
		return "", &UnsupportedArchError{Arch: arch}
	}

	path, ok := locate("qemu-system-"+qemuArch, customPath)
	if !ok {
		return "", ErrQemuNotFound
	}
	return path, nil
}

// LocateTool finds a helper binary such as qemu-img the same way.
func LocateTool(name string) (string, bool) {
	return locate(name, "")
}

func locate(name, customPath string) (string, bool) {
	if customPath != "" {
		if isFile(customPath) {
			return customPath, true
		}
		if full := filepath.Join(customPath, name); isFile(full) {
			return full, true
		}
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, true
	}

	for _, dir := range searchPaths {
		if full := filepath.Join(dir, name); isFile(full) {
			return full, true
		}
	}
	return "", false
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// UnsupportedArchError is returned when the architecture is not supported.
type UnsupportedArchError struct {
	Arch string
}

func (e *UnsupportedArchError) Error() string {
	return "unsupported architecture: " + e.Arch
}

// QemuArchName converts a GOARCH value to the QEMU architecture name.
func QemuArchName(goarch string) (string, bool) {
	name, ok := archToQemu[goarch]
	return name, ok
}
