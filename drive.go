package iotests

import (
	"fmt"
	"strings"
)

// DriveSpec configures a -drive added with VM.AddDrive.
type DriveSpec struct {
	// Path is the image file. Empty adds a drive without media, in which
	// case no file, format or cache option is emitted.
	Path string

	// Interface is the if= value. Defaults to "virtio".
	Interface string

	// Opts is appended verbatim, e.g. "readonly=on,node-name=top".
	Opts string
}

// driveOptions builds if=<iface>,id=drive<N>[,file=,format=,cache=][,<opts>].
func driveOptions(spec DriveSpec, index int, cfg *Config) string {
	iface := spec.Interface
	if iface == "" {
		iface = "virtio"
	}

	options := []string{
		"if=" + iface,
		fmt.Sprintf("id=drive%d", index),
	}

	if spec.Path != "" {
		options = append(options, "file="+spec.Path, "format="+cfg.ImgFmt)
		if cfg.CacheMode != "" {
			options = append(options, "cache="+cfg.CacheMode)
		}
	}

	if spec.Opts != "" {
		options = append(options, spec.Opts)
	}

	return strings.Join(options, ",")
}

// fdOptions builds fd=<fd>,set=<fdset>,opaque=<opaque>[,<opts>].
func fdOptions(fd, fdset int, opaque, opts string) string {
	options := []string{
		fmt.Sprintf("fd=%d", fd),
		fmt.Sprintf("set=%d", fdset),
		"opaque=" + opaque,
	}
	if opts != "" {
		options = append(options, opts)
	}
	return strings.Join(options, ",")
}

// telnetMonitorOptions builds the -monitor value for an unused HMP monitor.
func telnetMonitorOptions(ip string, port int) string {
	return fmt.Sprintf("tcp:%s:%d,server,nowait,telnet", ip, port)
}
