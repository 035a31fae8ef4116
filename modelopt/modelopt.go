// Package modelopt implements the quantization-aware export route to the
// Hugging Face format.
//
// Checkpoints quantized with ModelOpt carry their own pre-built HF payload
// (written at quantization time) plus a state file describing the quantization
// applied. Exporting such a checkpoint through the generic weight converters
// would lose the quantization metadata, so ExportHFCheckpoint is tried first
// by the export orchestration and bypasses the generic route entirely when it
// applies.
package modelopt

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	// StateFileName marks a checkpoint as ModelOpt-quantized. It lives in the
	// checkpoint's weights directory.
	StateFileName = "modelopt_state.json"

	// PayloadDirName is the pre-built HF export payload directory, also under
	// the weights directory.
	PayloadDirName = "modelopt_hf"

	// QuantConfigFileName is written into the export output, describing the
	// quantization for HF loaders.
	QuantConfigFileName = "hf_quant_config.json"

	weightsDir = "weights"
)

// State is the subset of the ModelOpt state this module cares about.
type State struct {
	QuantAlgo        string `json:"quant_algo"`
	KVCacheQuantAlgo string `json:"kv_cache_quant_algo,omitempty"`
}

// ExportHFCheckpoint exports a ModelOpt-quantized checkpoint to the HF format
// at outputPath.
//
// If the checkpoint at ckptPath is not ModelOpt-quantized, it returns ("", nil):
// not applicable, the caller should fall through to the generic export route.
//
// Recognized opts: "overwrite" (bool) to allow replacing an existing output.
func ExportHFCheckpoint(ckptPath, outputPath string, opts map[string]any) (string, error) {
	stateFile := filepath.Join(ckptPath, weightsDir, StateFileName)
	stateData, err := os.ReadFile(stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			// Not a quantized checkpoint: fall through to the generic route.
			return "", nil
		}
		return "", errors.Wrapf(err, "failed to read ModelOpt state %q", stateFile)
	}
	var state State
	if err = json.Unmarshal(stateData, &state); err != nil {
		return "", errors.Wrapf(err, "invalid ModelOpt state in %q", stateFile)
	}

	payloadDir := filepath.Join(ckptPath, weightsDir, PayloadDirName)
	if info, err := os.Stat(payloadDir); err != nil || !info.IsDir() {
		return "", errors.Errorf("checkpoint %q is ModelOpt-quantized (%s present) but has no export payload directory %q",
			ckptPath, StateFileName, payloadDir)
	}

	overwrite, _ := opts["overwrite"].(bool)
	if !overwrite {
		if _, err := os.Stat(outputPath); err == nil {
			return "", errors.Errorf("export output %q already exists -- pass overwrite to replace it", outputPath)
		}
	}
	if err = copyDir(payloadDir, outputPath); err != nil {
		return "", err
	}

	quantConfig, err := json.MarshalIndent(&state, "", "\t")
	if err != nil {
		return "", errors.Wrapf(err, "failed to encode quantization config")
	}
	quantConfigPath := filepath.Join(outputPath, QuantConfigFileName)
	if err = os.WriteFile(quantConfigPath, quantConfig, 0660); err != nil {
		return "", errors.Wrapf(err, "failed to write %q", quantConfigPath)
	}
	return outputPath, nil
}

// copyDir recursively copies the contents of srcDir into dstDir, creating
// dstDir as needed.
func copyDir(srcDir, dstDir string) error {
	if err := os.MkdirAll(dstDir, 0770); err != nil {
		return errors.Wrapf(err, "failed to create export output directory %q", dstDir)
	}
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return errors.Wrapf(err, "failed to list export payload %q", srcDir)
	}
	for _, entry := range entries {
		srcPath := filepath.Join(srcDir, entry.Name())
		dstPath := filepath.Join(dstDir, entry.Name())
		if entry.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", src)
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", dst)
	}
	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "failed to copy %q to %q", src, dst)
	}
	return errors.Wrapf(out.Close(), "failed to close %q", dst)
}
