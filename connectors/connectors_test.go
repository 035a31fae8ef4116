package connectors

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// toyModel is a convertible model used by the tests below; its converters are
// registered under the "toy" tag in init.
type toyModel struct {
	Name string
}

func (m *toyModel) ImporterFor(source string) (Importer, error) {
	return NewImporter(m, source)
}

func (m *toyModel) ExporterFor(target, ckptPath string) (Exporter, error) {
	return NewExporter(m, target, ckptPath)
}

// plainModel does not implement Convertible.
type plainModel struct{}

type toyImporter struct {
	model      *toyModel
	source     string
	gotRequest Request
	calls      int
	doneCalls  int
	importErr  error
}

func (imp *toyImporter) Import(req Request) (string, error) {
	imp.calls++
	imp.gotRequest = req
	if imp.importErr != nil {
		return "", imp.importErr
	}
	if req.OutputPath != "" {
		return req.OutputPath, nil
	}
	return "/default/location", nil
}

func (imp *toyImporter) OnImportDone(model any) error {
	imp.doneCalls++
	return nil
}

type toyExporter struct {
	ckptPath   string
	gotRequest Request
	calls      int
}

func (e *toyExporter) Export(req Request) (string, error) {
	e.calls++
	e.gotRequest = req
	return req.OutputPath, nil
}

// lastToyImporter and lastToyExporter capture the instances built by the
// registry so tests can inspect them.
var (
	lastToyImporter *toyImporter
	lastToyExporter *toyExporter
)

func init() {
	RegisterImporter("toy", func(model *toyModel, source string) Importer {
		lastToyImporter = &toyImporter{model: model, source: source}
		return lastToyImporter
	})
	RegisterExporter("toy", func(model *toyModel, ckptPath string) Exporter {
		lastToyExporter = &toyExporter{ckptPath: ckptPath}
		return lastToyExporter
	})
}

func TestSplitSource(t *testing.T) {
	tag, rest := SplitSource("hf://mistralai/Mistral-7B-v0.1")
	assert.Equal(t, "hf", tag)
	assert.Equal(t, "mistralai/Mistral-7B-v0.1", rest)

	tag, rest = SplitSource("hf")
	assert.Equal(t, "hf", tag)
	assert.Empty(t, rest)
}

func TestRequestOption(t *testing.T) {
	req := Request{Options: map[string]any{"dtype": "bf16"}}
	assert.Equal(t, "bf16", req.Option("dtype", "f32"))
	assert.Equal(t, "f32", req.Option("missing", "f32"))

	var empty Request
	assert.Equal(t, 7, empty.Option("anything", 7))
}

func TestRegistryResolution(t *testing.T) {
	model := &toyModel{Name: "test"}
	importer, err := NewImporter(model, "toy://some/model")
	require.NoError(t, err)
	require.IsType(t, &toyImporter{}, importer)
	assert.Equal(t, "toy://some/model", importer.(*toyImporter).source)
	assert.Same(t, model, importer.(*toyImporter).model)

	exporter, err := NewExporter(model, "toy", "/ckpt/path")
	require.NoError(t, err)
	require.IsType(t, &toyExporter{}, exporter)
	assert.Equal(t, "/ckpt/path", exporter.(*toyExporter).ckptPath)

	// Unknown tags name the model type and the tags that are registered.
	_, err = NewImporter(model, "gguf://some/model")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no importer registered")
	assert.Contains(t, err.Error(), `"gguf"`)
	assert.Contains(t, err.Error(), "toy (import)")

	_, err = NewExporter(model, "gguf", "/ckpt/path")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no exporter registered")

	// Unknown model types list no tags at all.
	_, err = NewImporter(&plainModel{}, "toy://x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none")
}

func TestImport(t *testing.T) {
	model := &toyModel{Name: "test"}
	outputDir := filepath.Join(t.TempDir(), "imported")
	path, err := Import(model, "toy://org/model").
		OutputPath(outputDir).
		Overwrite().
		WithOption("revision", "main").
		Done()
	require.NoError(t, err)
	assert.Equal(t, outputDir, path)

	imp := lastToyImporter
	require.NotNil(t, imp)
	assert.Equal(t, 1, imp.calls)
	assert.Equal(t, 1, imp.doneCalls)
	assert.True(t, imp.gotRequest.Overwrite)
	assert.Equal(t, "main", imp.gotRequest.Option("revision", ""))
}

func TestImportRequiresConvertible(t *testing.T) {
	_, err := Import(&plainModel{}, "toy://org/model").Done()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connectors.Convertible")
}

func TestImportFailurePropagates(t *testing.T) {
	model := &toyModel{Name: "test"}
	RegisterImporter("toy-failing", func(model *toyModel, source string) Importer {
		return &toyImporter{model: model, source: source, importErr: errors.New("disk full")}
	})
	_, err := Import(model, "toy-failing://org/model").Done()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

// noQuantExport stands in for the quantization-aware route when the test
// checkpoint is not quantized.
func noQuantExport(ckptPath, outputPath string, opts map[string]any) (string, error) {
	return "", nil
}

func TestExportDefaultOutputPath(t *testing.T) {
	ckptDir := t.TempDir()
	exporter := &toyExporter{}
	path, err := Export(ckptDir, "toy").
		WithConnectorLoader(func(ckptPath, target string) (Exporter, error) {
			assert.Equal(t, ckptDir, ckptPath)
			assert.Equal(t, "toy", target)
			return exporter, nil
		}).
		Done()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ckptDir, "toy"), path)
	assert.Equal(t, 1, exporter.calls)
	assert.Equal(t, filepath.Join(ckptDir, "toy"), exporter.gotRequest.OutputPath)
}

func TestExportModelOptFastPath(t *testing.T) {
	ckptDir := t.TempDir()
	// Even an adapter checkpoint takes the quantized route: it runs before
	// the adapter guard.
	weightsDir := filepath.Join(ckptDir, WeightsDir)
	require.NoError(t, os.MkdirAll(weightsDir, 0770))
	require.NoError(t, os.WriteFile(filepath.Join(weightsDir, AdapterMetadataName), []byte("{}"), 0660))
	loaderCalls := 0
	config := Export(ckptDir, HF).
		OutputPath(filepath.Join(ckptDir, "out")).
		WithConnectorLoader(func(ckptPath, target string) (Exporter, error) {
			loaderCalls++
			return &toyExporter{}, nil
		})
	config.modelOptExport = func(ckptPath, outputPath string, opts map[string]any) (string, error) {
		return outputPath, nil
	}
	path, err := config.Done()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ckptDir, "out"), path)
	assert.Zero(t, loaderCalls, "quantized checkpoints must not reach the generic exporter")
}

func TestExportModelOptFailureStopsExport(t *testing.T) {
	ckptDir := t.TempDir()
	config := Export(ckptDir, HF).
		WithConnectorLoader(func(ckptPath, target string) (Exporter, error) {
			t.Fatal("connector loader must not run after a quantized-route failure")
			return nil, nil
		})
	config.modelOptExport = func(ckptPath, outputPath string, opts map[string]any) (string, error) {
		return "", errors.New("corrupted quantization state")
	}
	_, err := config.Done()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupted quantization state")
}

func TestExportPEFTGuard(t *testing.T) {
	ckptDir := t.TempDir()
	weightsDir := filepath.Join(ckptDir, WeightsDir)
	require.NoError(t, os.MkdirAll(weightsDir, 0770))
	require.NoError(t, os.WriteFile(filepath.Join(weightsDir, AdapterMetadataName), []byte("{}"), 0660))

	// Full-model export of an adapter checkpoint fails before any exporter is
	// resolved.
	config := Export(ckptDir, HF).
		WithConnectorLoader(func(ckptPath, target string) (Exporter, error) {
			t.Fatal("connector loader must not run when the PEFT guard fires")
			return nil, nil
		})
	config.modelOptExport = noQuantExport
	_, err := config.Done()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PEFT weights")
	assert.Contains(t, err.Error(), HFPEFT)

	// The adapter target is allowed through.
	exporter := &toyExporter{}
	path, err := Export(ckptDir, HFPEFT).
		WithConnectorLoader(func(ckptPath, target string) (Exporter, error) {
			return exporter, nil
		}).
		Done()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ckptDir, HFPEFT), path)
	assert.Equal(t, 1, exporter.calls)
}
