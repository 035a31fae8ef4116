// Package hf implements the Hugging Face checkpoint converters: importing a
// hub model into the native checkpoint format, and exporting a native
// checkpoint as a directory of ".safetensors" + config files.
//
// The converters are generic over the model type; model packages attach them
// with RegisterFor:
//
//	func init() {
//		hf.RegisterFor[*MyModel]()
//	}
//
// after which `connectors.Import(model, "hf://org/model")` and
// `connectors.Export(ckptPath, "hf")` work for that model type.
package hf

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/modelio/connectors"
	"github.com/gomlx/modelio/hub"
	"github.com/gomlx/modelio/objtree"
	"github.com/gomlx/modelio/trainerctx"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WeightsFileName is the single-shard weights file written on export.
const WeightsFileName = "model.safetensors"

// ConfigFileName is the model configuration written on export, and read from
// the hub on import.
const ConfigFileName = "config.json"

// sidecarFiles are hub files copied next to the imported context, when present.
var sidecarFiles = []string{
	ConfigFileName,
	"generation_config.json",
	"tokenizer.json",
	"tokenizer_config.json",
	"special_tokens_map.json",
	"vocab.json",
	"merges.txt",
}

// DefaultCacheDir is where hub models and default imports are cached.
func DefaultCacheDir() string {
	return fsutil.MustReplaceTildeInDir("~/.cache/gomlx/hub")
}

// HubSourced is implemented by models that record which hub model their
// weights came from. The importer fills it in before saving the context.
type HubSourced interface {
	SetHubSource(id string)
}

// RegisterFor attaches the HF importer and exporter to the model type M: the
// importer under the "hf" tag, the exporter under both "hf" and "hf-peft".
func RegisterFor[M objtree.TypeTagged]() {
	connectors.RegisterImporter(connectors.HF, func(model M, source string) connectors.Importer {
		return NewImporter(model, source)
	})
	connectors.RegisterExporter(connectors.HF, func(model M, ckptPath string) connectors.Exporter {
		return NewExporter(model, ckptPath)
	})
	connectors.RegisterExporter(connectors.HFPEFT, func(model M, ckptPath string) connectors.Exporter {
		return NewExporter(model, ckptPath)
	})
}

// Importer converts a hub model ("hf://org/model") into a native checkpoint.
// One instance is created per import call.
type Importer struct {
	model  objtree.TypeTagged
	source string

	// CacheDir holds the hub download cache and default import locations.
	// Defaults to DefaultCacheDir().
	CacheDir string

	// AuthToken authenticates hub downloads. Defaults to $HF_TOKEN.
	AuthToken string

	// Filled by Import, consumed by OnImportDone.
	importedTo, hubDir string
}

// NewImporter creates an importer for the model, bound to the given source.
func NewImporter(model objtree.TypeTagged, source string) *Importer {
	return &Importer{
		model:     model,
		source:    source,
		CacheDir:  DefaultCacheDir(),
		AuthToken: os.Getenv("HF_TOKEN"),
	}
}

// Import downloads the hub model (if not cached), converts its safetensors
// weights into native weights and writes the trainer context next to them.
// It returns the native checkpoint path written.
func (imp *Importer) Import(req connectors.Request) (string, error) {
	_, hubID := connectors.SplitSource(imp.source)
	if hubID == "" {
		return "", errors.Errorf("import source %q must name a hub model, e.g. %q", imp.source, "hf://org/model")
	}

	outputPath := req.OutputPath
	if outputPath == "" {
		outputPath = filepath.Join(imp.CacheDir, "imported", strings.Replace(hubID, "/", "_", -1))
	}
	if fsutil.MustFileExists(outputPath) {
		if !req.Overwrite {
			return "", errors.Errorf("import output %q already exists -- use overwrite to replace it", outputPath)
		}
		if err := os.RemoveAll(outputPath); err != nil {
			return "", errors.Wrapf(err, "failed to remove previous import at %q", outputPath)
		}
	}

	hubModel, err := hub.New(hubID, imp.AuthToken, imp.CacheDir)
	if err != nil {
		return "", err
	}
	if err = hubModel.Download(); err != nil {
		return "", errors.WithMessagef(err, "failed to download hub model %q", hubID)
	}

	var tensorList []*NamedTensor
	for f, err := range hubModel.EnumerateFileNames() {
		if err != nil {
			return "", err
		}
		if filepath.Ext(f.Name) != ".safetensors" {
			continue
		}
		file, err := os.Open(f.Path)
		if err != nil {
			return "", errors.Wrapf(err, "failed to open %q", f.Path)
		}
		for nt, err := range ScanSafetensors(file) {
			if err != nil {
				_ = file.Close()
				return "", errors.WithMessagef(err, "failed to read %q", f.Path)
			}
			tensorList = append(tensorList, nt)
		}
		if err = file.Close(); err != nil {
			return "", errors.Wrapf(err, "failed to close %q", f.Path)
		}
	}
	if len(tensorList) == 0 {
		return "", errors.Errorf("hub model %q has no .safetensors weights to import", hubID)
	}

	if err = writeNativeWeights(filepath.Join(outputPath, connectors.WeightsDir), tensorList); err != nil {
		return "", err
	}
	if sourced, ok := imp.model.(HubSourced); ok {
		sourced.SetHubSource(hubID)
	}
	if err = trainerctx.New(imp.model).Save(outputPath); err != nil {
		return "", err
	}
	imp.importedTo = outputPath
	imp.hubDir = hubModel.BaseDir
	klog.V(1).Infof("hf: imported %q to %q (%d tensors)", hubID, outputPath, len(tensorList))
	return outputPath, nil
}

// OnImportDone copies the hub sidecar files (tokenizer and configuration)
// into the imported checkpoint's context directory.
func (imp *Importer) OnImportDone(model any) error {
	if imp.importedTo == "" {
		return nil
	}
	contextDir := filepath.Join(imp.importedTo, trainerctx.DirName)
	for _, name := range sidecarFiles {
		src := filepath.Join(imp.hubDir, name)
		if !fsutil.MustFileExists(src) {
			continue
		}
		if err := copyFile(src, filepath.Join(contextDir, name)); err != nil {
			return err
		}
	}
	return nil
}

// Exporter converts the native checkpoint at ckptPath into an HF-layout
// directory. One instance is created per export call.
type Exporter struct {
	model    objtree.TypeTagged
	ckptPath string
}

// NewExporter creates an exporter bound to the native checkpoint at ckptPath.
// The model may be nil; it is not consulted during export.
func NewExporter(model objtree.TypeTagged, ckptPath string) *Exporter {
	return &Exporter{model: model, ckptPath: ckptPath}
}

// Export writes the checkpoint weights as a ".safetensors" file plus the model
// configuration to req.OutputPath, staging into a temporary sibling directory
// and renaming into place so a failed export never leaves a partial result.
//
// The "dtype" option ("f16", "bf16" or "f32") casts float weights on the way out.
func (e *Exporter) Export(req connectors.Request) (string, error) {
	outputPath := req.OutputPath
	if outputPath == "" {
		return "", errors.Errorf("export of %q requires an output path", e.ckptPath)
	}
	if fsutil.MustFileExists(outputPath) && !req.Overwrite {
		return "", errors.Errorf("export output %q already exists -- use overwrite to replace it", outputPath)
	}

	tensorList, err := readNativeWeights(filepath.Join(e.ckptPath, connectors.WeightsDir))
	if err != nil {
		return "", err
	}
	if dtypeName, ok := req.Option("dtype", "").(string); ok && dtypeName != "" {
		target, found := exportDTypes[dtypeName]
		if !found {
			return "", errors.Errorf("unknown export dtype %q, valid values are f16, bf16 and f32", dtypeName)
		}
		for i, nt := range tensorList {
			cast, err := castTensor(nt.Tensor, target)
			if err != nil {
				return "", errors.WithMessagef(err, "failed to cast tensor %q", nt.Name)
			}
			tensorList[i] = &NamedTensor{Name: nt.Name, Tensor: cast}
		}
	}

	stagingDir := outputPath + ".tmp-" + uuid.NewString()[:8]
	if err = os.MkdirAll(stagingDir, 0770); err != nil {
		return "", errors.Wrapf(err, "failed to create staging directory %q", stagingDir)
	}
	defer func() { _ = os.RemoveAll(stagingDir) }()

	weightsFile, err := os.Create(filepath.Join(stagingDir, WeightsFileName))
	if err != nil {
		return "", errors.Wrapf(err, "failed to create %q", filepath.Join(stagingDir, WeightsFileName))
	}
	if err = WriteSafetensors(weightsFile, tensorList); err != nil {
		_ = weightsFile.Close()
		return "", err
	}
	if err = weightsFile.Close(); err != nil {
		return "", errors.Wrapf(err, "failed to close weights file")
	}

	if err = e.writeModelConfig(stagingDir); err != nil {
		return "", err
	}

	// PEFT checkpoints keep their adapter metadata in the export.
	adapterMetadata := filepath.Join(e.ckptPath, connectors.WeightsDir, connectors.AdapterMetadataName)
	if fsutil.MustFileExists(adapterMetadata) {
		if err = copyFile(adapterMetadata, filepath.Join(stagingDir, connectors.AdapterMetadataName)); err != nil {
			return "", err
		}
	}

	if fsutil.MustFileExists(outputPath) {
		if err = os.RemoveAll(outputPath); err != nil {
			return "", errors.Wrapf(err, "failed to remove previous export at %q", outputPath)
		}
	}
	if err = os.Rename(stagingDir, outputPath); err != nil {
		return "", errors.Wrapf(err, "failed to move staged export to %q", outputPath)
	}
	return outputPath, nil
}

// writeModelConfig exports the model node of the trainer context as
// config.json. Checkpoints without a readable context are still exported,
// just without configuration.
func (e *Exporter) writeModelConfig(dir string) error {
	config, err := trainerctx.LoadConfig(e.ckptPath, "model")
	if err != nil {
		klog.Warningf("hf: checkpoint %q has no readable trainer context, exporting without %s: %v",
			e.ckptPath, ConfigFileName, err)
		return nil
	}
	configPath := filepath.Join(dir, ConfigFileName)
	if err = os.WriteFile(configPath, config.JSON(), 0660); err != nil {
		return errors.Wrapf(err, "failed to write %q", configPath)
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
