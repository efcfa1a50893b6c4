// Package iotests is a harness for driving QEMU block layer tests from Go.
//
// The package supports:
//   - Launching QEMU with a QMP monitor and a qtest channel served by the test
//   - Issuing QMP commands and waiting for events without losing any
//   - Asserting on nested QMP replies with readable diffs
//   - Driving block jobs (mirror, commit, stream) to completion or cancellation
//   - Running qemu-img and qemu-io, and skipping unsupported configurations
//
// # Quick Start
//
// A test creates a VM, adds drives and launches it:
//
//	cfg := iotests.ConfigFromEnv()
//	vm := iotests.NewVM(cfg).AddDrive(iotests.DriveSpec{Path: img})
//	if err := vm.Launch(); err != nil {
//		t.Fatal(err)
//	}
//	tc := iotests.NewTestCase(t, vm)
//
//	resp := tc.QMP("drive-mirror", iotests.KV("device", "drive0"),
//		iotests.KV("target", target), iotests.KV("sync", "full"))
//	tc.AssertQMP(resp, "return", map[string]any{})
//	tc.CompleteAndWait("drive0", true)
//
// Argument names written with underscores are sent with dashes, so
// KV("on_source_error", "stop") reaches QEMU as "on-source-error". Use
// VM.QMPVerbatim for commands whose arguments really contain underscores.
//
// # Events
//
// Events read from the monitor are handed to exactly one consumer. Waiting
// for one event keeps every other event in the VM's EventCache, in the order
// it arrived, so a later wait still sees it. This matters for block jobs,
// where BLOCK_JOB_READY may arrive while a test is waiting for
// BLOCK_JOB_COMPLETED.
//
// # Paths
//
// Every VM owns three paths in Config.TestDir:
//   - qemu-mon.<pid>-<id>: the QMP socket
//   - qemu-qtest.<pid>-<id>: the qtest socket
//   - qemu-log.<pid>-<id>: QEMU's stdout and stderr
//
// All three are removed by Shutdown.
//
// # Configuration
//
// ConfigFromEnv reads the variables exported by the qemu-iotests check
// script (QEMU_PROG, IMGFMT, TEST_DIR, ...). LoadConfigFile reads the same
// settings from a YAML file.
package iotests
