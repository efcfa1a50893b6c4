package iotests

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"
)

// SupportOptions restricts the formats and operating systems a test binary
// runs on.
type SupportOptions struct {
	// Formats lists the image formats supported. Empty means all.
	Formats []string

	// OSes lists GOOS prefixes supported. Empty means linux only.
	OSes []string
}

// CheckSupported returns a *SkipError when cfg's image format or the
// current OS is not covered by opts.
func CheckSupported(cfg *Config, opts SupportOptions) error {
	if len(opts.Formats) > 0 && !slices.Contains(opts.Formats, cfg.ImgFmt) {
		return &SkipError{Reason: "not suitable for this image format: " + cfg.ImgFmt}
	}

	oses := opts.OSes
	if len(oses) == 0 {
		oses = []string{"linux"}
	}
	if !slices.ContainsFunc(oses, func(name string) bool { return strings.HasPrefix(runtime.GOOS, name) }) {
		return &SkipError{Reason: "not suitable for this OS: " + runtime.GOOS}
	}
	return nil
}

// NotRun records that testID was skipped by writing reason to
// <outputDir>/<testID>.notrun.
func NotRun(outputDir, testID, reason string) error {
	path := filepath.Join(outputDir, testID+".notrun")
	if err := os.WriteFile(path, []byte(reason+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Main is meant to be called from TestMain. If the binary does not support
// cfg it writes the .notrun file, named after the binary, and exits 0
// without running any test. Otherwise it exits with the result of m.Run.
// Being the entry point of a test binary, Main reads ConfigFromEnv when cfg
// is nil; nothing below it looks at the environment.
//
//	func TestMain(m *testing.M) {
//		iotests.Main(m, nil, iotests.SupportOptions{Formats: []string{"qcow2"}})
//	}
func Main(m *testing.M, cfg *Config, opts SupportOptions) {
	if cfg == nil {
		cfg = ConfigFromEnv()
	}
	os.Exit(run(m, cfg, opts))
}

func run(m interface{ Run() int }, cfg *Config, opts SupportOptions) int {
	err := CheckSupported(cfg, opts)

	var skip *SkipError
	if errors.As(err, &skip) {
		testID := filepath.Base(os.Args[0])
		if err := NotRun(cfg.OutputDir, testID, skip.Reason); err != nil {
			Logger().Error("failed to record skipped test", "test", testID, "err", err)
			return 1
		}
		Logger().Info("test not run", "test", testID, "reason", skip.Reason)
		return 0
	}

	return m.Run()
}
