package iotests

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"sigs.k8s.io/yaml"
)

// Config holds the process-wide settings of a test run. It is built once,
// usually from the environment the iotests runner exports, and passed to
// NewVM and NewTools.
type Config struct {
	// QemuProg is the QEMU binary. If empty, it is located with LocateQemu
	// and falls back to "qemu".
	QemuProg string `json:"qemuProg,omitempty"`

	// QemuOptions are extra arguments placed right after the binary.
	QemuOptions []string `json:"qemuOptions,omitempty"`

	// QemuImgProg is the qemu-img binary. Defaults to "qemu-img".
	QemuImgProg    string   `json:"qemuImgProg,omitempty"`
	QemuImgOptions []string `json:"qemuImgOptions,omitempty"`

	// QemuIOProg is the qemu-io binary. Defaults to "qemu-io".
	QemuIOProg    string   `json:"qemuIOProg,omitempty"`
	QemuIOOptions []string `json:"qemuIOOptions,omitempty"`

	// Arch is the GOARCH-style architecture used when locating QEMU.
	Arch string `json:"arch,omitempty"`

	// ImgFmt is the image format under test (e.g., "raw", "qcow2").
	ImgFmt string `json:"imgFmt,omitempty"`

	// ImgProto is the image protocol under test (e.g., "file", "nbd").
	ImgProto string `json:"imgProto,omitempty"`

	// TestDir holds images, sockets and logs.
	TestDir string `json:"testDir,omitempty"`

	// OutputDir receives .notrun files.
	OutputDir string `json:"outputDir,omitempty"`

	// CacheMode is passed as cache= on drives added with a file. Empty
	// omits the option.
	CacheMode string `json:"cacheMode,omitempty"`

	// DefaultMachine is prepended to the -machine option when set.
	DefaultMachine string `json:"defaultMachine,omitempty"`

	// EventTimeout is the default wait for a named event.
	EventTimeout Duration `json:"eventTimeout,omitempty"`

	// AcceptTimeout bounds the wait for QEMU to connect to the monitor and
	// qtest sockets. Zero waits forever.
	AcceptTimeout Duration `json:"acceptTimeout,omitempty"`

	// CommandTimeout bounds the wait for a command response. Zero waits
	// forever.
	CommandTimeout Duration `json:"commandTimeout,omitempty"`
}

// Duration is a time.Duration that reads as "60s" from config files.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid duration %s", b)
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig returns a Config with the same defaults the iotests runner
// uses.
func DefaultConfig() *Config {
	return &Config{
		QemuImgProg:   "qemu-img",
		QemuIOProg:    "qemu-io",
		ImgFmt:        "raw",
		ImgProto:      "file",
		TestDir:       "/var/tmp",
		OutputDir:     ".",
		EventTimeout:  Duration(60 * time.Second),
		AcceptTimeout: Duration(60 * time.Second),
	}
}

// ConfigFromEnv returns DefaultConfig overridden by QEMU_PROG,
// QEMU_OPTIONS, QEMU_IMG_PROG, QEMU_IMG_OPTIONS, QEMU_IO_PROG,
// QEMU_IO_OPTIONS, IMGFMT, IMGPROTO, TEST_DIR, OUTPUT_DIR, CACHEMODE and
// QEMU_DEFAULT_MACHINE. Option variables are split on whitespace.
func ConfigFromEnv() *Config {
	c := DefaultConfig()

	setString := func(dst *string, name string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setList := func(dst *[]string, name string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = strings.Fields(v)
		}
	}

	setString(&c.QemuProg, "QEMU_PROG")
	setList(&c.QemuOptions, "QEMU_OPTIONS")
	setString(&c.QemuImgProg, "QEMU_IMG_PROG")
	setList(&c.QemuImgOptions, "QEMU_IMG_OPTIONS")
	setString(&c.QemuIOProg, "QEMU_IO_PROG")
	setList(&c.QemuIOOptions, "QEMU_IO_OPTIONS")
	setString(&c.ImgFmt, "IMGFMT")
	setString(&c.ImgProto, "IMGPROTO")
	setString(&c.TestDir, "TEST_DIR")
	setString(&c.OutputDir, "OUTPUT_DIR")
	setString(&c.CacheMode, "CACHEMODE")
	setString(&c.DefaultMachine, "QEMU_DEFAULT_MACHINE")

	return c
}

// LoadConfigFile reads a YAML (or JSON) file over DefaultConfig. Keys use
// the json tag names of Config, e.g. "imgFmt" or "eventTimeout: 30s".
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	c := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return c, nil
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.TestDir == "" {
		return fmt.Errorf("test directory must be set")
	}
	if c.ImgFmt == "" {
		return fmt.Errorf("image format must be set")
	}
	if c.EventTimeout < 0 || c.AcceptTimeout < 0 || c.CommandTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// qemuArgs returns the binary and its leading options.
func (c *Config) qemuArgs() []string {
	prog := c.QemuProg
	if prog == "" {
		prog = "qemu"
		if path, err := LocateQemu(c.Arch, ""); err == nil {
			prog = path
		}
	}
	return append([]string{prog}, c.QemuOptions...)
}

// ensureTestDir creates the test directory if it doesn't exist.
func (c *Config) ensureTestDir() error {
	if err := os.MkdirAll(c.TestDir, 0755); err != nil {
		return fmt.Errorf("failed to create test directory: %w", err)
	}
	return nil
}
