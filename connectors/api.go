package connectors

import (
	"os"
	"path/filepath"

	"github.com/gomlx/modelio/modelopt"
	"github.com/gomlx/modelio/trainerctx"
	"github.com/pkg/errors"
)

// ImportConfig configures an import call. It is created with Import, adjusted
// with the various option methods, and executed with Done.
type ImportConfig struct {
	model  any
	source string
	req    Request
}

// Import creates the configuration to import a checkpoint from source
// ("hf://org/model", or a bare tag to use the importer's default) into the
// native format for the given model. Call Done to run it:
//
//	path, err := connectors.Import(model, "hf://mistralai/Mistral-7B-v0.1").
//		OutputPath(dir).
//		Overwrite().
//		Done()
//
// The model must implement Convertible and have an importer registered under
// the source's tag.
func Import(model any, source string) *ImportConfig {
	return &ImportConfig{model: model, source: source}
}

// OutputPath sets where the imported checkpoint is written. If not set, the
// importer's default location is used.
func (c *ImportConfig) OutputPath(path string) *ImportConfig {
	c.req.OutputPath = path
	return c
}

// Overwrite allows replacing existing data at the output path.
func (c *ImportConfig) Overwrite() *ImportConfig {
	c.req.Overwrite = true
	return c
}

// WithOption forwards an extra converter-specific option.
func (c *ImportConfig) WithOption(name string, value any) *ImportConfig {
	if c.req.Options == nil {
		c.req.Options = make(map[string]any)
	}
	c.req.Options[name] = value
	return c
}

// Done resolves the importer and runs the import. It returns the path of the
// written native checkpoint.
//
// Exactly one importer instance is created and invoked; there is no caching
// and no retry. After a successful conversion the importer's OnImportDone
// hook runs against the model.
func (c *ImportConfig) Done() (string, error) {
	convertible, ok := c.model.(Convertible)
	if !ok {
		return "", errors.Errorf("model %T must support converter dispatch (implement connectors.Convertible)", c.model)
	}
	importer, err := convertible.ImporterFor(c.source)
	if err != nil {
		return "", err
	}
	ckptPath, err := importer.Import(c.req)
	if err != nil {
		return "", err
	}
	if err = importer.OnImportDone(c.model); err != nil {
		return "", errors.WithMessagef(err, "checkpoint imported to %q, but the post-import hook failed", ckptPath)
	}
	return ckptPath, nil
}

// ConnectorLoader resolves the exporter to use for a checkpoint and target
// format. ExportConfig uses LoadConnectorFromCheckpoint unless overridden.
type ConnectorLoader func(ckptPath, target string) (Exporter, error)

// LoadConnectorFromCheckpoint rebuilds the model object stored in the trainer
// context of the checkpoint at ckptPath and resolves its exporter for the
// target format, scoped to ckptPath. The exporter is returned un-invoked.
func LoadConnectorFromCheckpoint(ckptPath, target string) (Exporter, error) {
	model, err := trainerctx.LoadBuilt(ckptPath, "model")
	if err != nil {
		return nil, err
	}
	convertible, ok := model.(Convertible)
	if !ok {
		return nil, errors.Errorf("model %T stored in checkpoint %q must support converter dispatch (implement connectors.Convertible)",
			model, ckptPath)
	}
	return convertible.ExporterFor(target, ckptPath)
}

// ExportConfig configures an export call. It is created with Export, adjusted
// with the various option methods, and executed with Done.
type ExportConfig struct {
	ckptPath, target string
	req              Request
	loadConnector    ConnectorLoader
	modelOptOptions  map[string]any
	modelOptExport   func(ckptPath, outputPath string, opts map[string]any) (string, error)
}

// Export creates the configuration to export the native checkpoint at
// ckptPath into the target format ("hf", "hf-peft", ...). Call Done to run it:
//
//	path, err := connectors.Export(ckptPath, "hf").OutputPath(dir).Done()
//
// If no output path is set, the result goes to `<ckptPath>/<target>`.
func Export(ckptPath, target string) *ExportConfig {
	return &ExportConfig{
		ckptPath:       ckptPath,
		target:         target,
		loadConnector:  LoadConnectorFromCheckpoint,
		modelOptExport: modelopt.ExportHFCheckpoint,
	}
}

// OutputPath sets where the exported checkpoint is written.
func (c *ExportConfig) OutputPath(path string) *ExportConfig {
	c.req.OutputPath = path
	return c
}

// Overwrite allows replacing existing data at the output path.
func (c *ExportConfig) Overwrite() *ExportConfig {
	c.req.Overwrite = true
	return c
}

// WithOption forwards an extra converter-specific option.
func (c *ExportConfig) WithOption(name string, value any) *ExportConfig {
	if c.req.Options == nil {
		c.req.Options = make(map[string]any)
	}
	c.req.Options[name] = value
	return c
}

// WithConnectorLoader overrides how the exporter is resolved from the
// checkpoint. The default is LoadConnectorFromCheckpoint.
func (c *ExportConfig) WithConnectorLoader(loader ConnectorLoader) *ExportConfig {
	c.loadConnector = loader
	return c
}

// WithModelOptOption forwards an extra option to the quantization-aware HF
// export route. Only consulted when the target is HF.
func (c *ExportConfig) WithModelOptOption(name string, value any) *ExportConfig {
	if c.modelOptOptions == nil {
		c.modelOptOptions = make(map[string]any)
	}
	c.modelOptOptions[name] = value
	return c
}

// Done runs the export and returns the path of the written checkpoint.
//
// For the HF target the quantization-aware route is tried first: if the
// checkpoint is ModelOpt-quantized the route produces the result directly and
// the generic converter is never resolved. Otherwise the PEFT guard runs, the
// exporter is resolved through the connector loader, and invoked exactly
// once. Failures propagate to the caller; nothing is retried.
func (c *ExportConfig) Done() (string, error) {
	outputPath := c.req.OutputPath
	if outputPath == "" {
		outputPath = filepath.Join(c.ckptPath, c.target)
	}

	if c.target == HF {
		out, err := c.modelOptExport(c.ckptPath, outputPath, c.modelOptOptions)
		if err != nil {
			return "", err
		}
		if out != "" {
			return out, nil
		}
	}

	if err := verifyPEFTExport(c.ckptPath, c.target); err != nil {
		return "", err
	}
	exporter, err := c.loadConnector(c.ckptPath, c.target)
	if err != nil {
		return "", err
	}
	req := c.req
	req.OutputPath = outputPath
	return exporter.Export(req)
}

// verifyPEFTExport fails fast when a full-model export target is applied to a
// PEFT/adapter checkpoint, before any conversion work begins.
func verifyPEFTExport(ckptPath, target string) error {
	if target != HF {
		return nil
	}
	marker := filepath.Join(ckptPath, WeightsDir, AdapterMetadataName)
	if _, err := os.Stat(marker); err != nil {
		return nil
	}
	return errors.Errorf("checkpoint %q contains PEFT weights, but export target %q is meant for full-model checkpoints. "+
		"To convert the adapter itself, export with target=%q. To export the merged full model, merge the LoRA weights "+
		"back into the base model first and export the merged checkpoint.",
		ckptPath, HF, HFPEFT)
}
