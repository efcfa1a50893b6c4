package iotests

import (
	"encoding/json"
	"fmt"

	"github.com/KarpelesLab/iotests/qmp"
)

// BlockInfo is one entry of query-block.
type BlockInfo struct {
	Device    string `json:"device"`
	QDev      string `json:"qdev,omitempty"`
	Type      string `json:"type"`
	Removable bool   `json:"removable"`
	Locked    bool   `json:"locked"`
	IOStatus  string `json:"io-status,omitempty"`
	Inserted  *struct {
		File             string `json:"file"`
		NodeName         string `json:"node-name,omitempty"`
		Ro               bool   `json:"ro"`
		Drv              string `json:"drv"`
		BackingFile      string `json:"backing_file,omitempty"`
		BackingFileDepth int    `json:"backing_file_depth"`
		Encrypted        bool   `json:"encrypted"`
		Bps              int64  `json:"bps"`
		Iops             int64  `json:"iops"`
	} `json:"inserted,omitempty"`
}

// BlockJobInfo is one entry of query-block-jobs.
type BlockJobInfo struct {
	Device   string `json:"device"`
	Type     string `json:"type"`
	Len      int64  `json:"len"`
	Offset   int64  `json:"offset"`
	Busy     bool   `json:"busy"`
	Paused   bool   `json:"paused"`
	Speed    int64  `json:"speed"`
	IOStatus string `json:"io-status,omitempty"`
	Ready    bool   `json:"ready"`
}

// decodeReturn unmarshals the "return" payload of resp into v. An error
// response is returned as a *qmp.QMPError.
func decodeReturn(resp qmp.Response, v any) error {
	if qerr := resp.Err(); qerr != nil {
		return qerr
	}
	ret, ok := resp.Return()
	if !ok {
		return fmt.Errorf("unexpected response: %v", resp)
	}
	data, err := json.Marshal(ret)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// QueryBlock returns information about all block devices.
func (vm *VM) QueryBlock() ([]BlockInfo, error) {
	resp, err := vm.QMP("query-block")
	if err != nil {
		return nil, err
	}

	var blocks []BlockInfo
	if err := decodeReturn(resp, &blocks); err != nil {
		return nil, fmt.Errorf("query-block: %w", err)
	}
	return blocks, nil
}

// QueryBlockJobs returns the active block jobs.
func (vm *VM) QueryBlockJobs() ([]BlockJobInfo, error) {
	resp, err := vm.QMP("query-block-jobs")
	if err != nil {
		return nil, err
	}

	var jobs []BlockJobInfo
	if err := decodeReturn(resp, &jobs); err != nil {
		return nil, fmt.Errorf("query-block-jobs: %w", err)
	}
	return jobs, nil
}

// SetIOThrottle limits a drive to bps bytes and iops operations per
// second. Zero removes the limit. The command takes its argument names
// with underscores, so they are sent verbatim.
func (vm *VM) SetIOThrottle(drive string, bps, iops int64) error {
	resp, err := vm.QMPVerbatim("block_set_io_throttle",
		KV("device", drive),
		KV("bps", bps),
		KV("bps_rd", 0),
		KV("bps_wr", 0),
		KV("iops", iops),
		KV("iops_rd", 0),
		KV("iops_wr", 0))
	if err != nil {
		return err
	}
	return decodeReturn(resp, &struct{}{})
}
