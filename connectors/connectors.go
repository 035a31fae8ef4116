// Package connectors converts model checkpoints between the native format and
// external formats ("hf", "hf-peft", ...), through converters registered per
// model type.
//
// A converter is either an Importer (external format -> native checkpoint) or
// an Exporter (native checkpoint -> external format). Model packages register
// their converters at init time:
//
//	func init() {
//		connectors.RegisterImporter("hf", func(model *Transformer, source string) connectors.Importer {
//			return &hfImporter{model: model, source: source}
//		})
//	}
//
// and make the model convertible with two one-line methods:
//
//	func (m *Transformer) ImporterFor(source string) (connectors.Importer, error) {
//		return connectors.NewImporter(m, source)
//	}
//
//	func (m *Transformer) ExporterFor(target, ckptPath string) (connectors.Exporter, error) {
//		return connectors.NewExporter(m, target, ckptPath)
//	}
//
// The top-level entry points are Import and Export; see their documentation.
package connectors

import (
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// HF is the converter tag of the Hugging Face hub format for full-model
// checkpoints. PEFT/adapter checkpoints use HFPEFT.
const (
	HF     = "hf"
	HFPEFT = "hf-peft"
)

// Names of the weights sub-directory of a native checkpoint, and of the marker
// file that flags a PEFT/adapter checkpoint inside it.
const (
	WeightsDir          = "weights"
	AdapterMetadataName = "adapter_metadata.json"
)

// Request carries the caller options forwarded to a converter invocation.
type Request struct {
	// OutputPath is where the converter writes its result. The orchestration
	// fills it in before invoking the converter.
	OutputPath string

	// Overwrite allows replacing a pre-existing result at OutputPath.
	Overwrite bool

	// Options are converter-specific extra options, forwarded verbatim.
	Options map[string]any
}

// Option returns an extra option by name, or defaultValue if unset.
func (r *Request) Option(name string, defaultValue any) any {
	if v, found := r.Options[name]; found {
		return v
	}
	return defaultValue
}

// Importer converts a checkpoint from an external format into the native one.
// One instance is created per import call, bound to its source.
type Importer interface {
	// Import performs the conversion and returns the path written.
	Import(req Request) (string, error)

	// OnImportDone runs format-specific finalization against the target model
	// after a successful import -- e.g., copying tokenizer configuration.
	OnImportDone(model any) error
}

// Exporter converts a native checkpoint into an external format.
// One instance is created per export call, bound to its source checkpoint.
type Exporter interface {
	// Export performs the conversion and returns the path written.
	Export(req Request) (string, error)
}

// Convertible is the capability interface of models that support checkpoint
// format conversion. Any type implementing it qualifies -- typically by
// delegating to NewImporter and NewExporter.
type Convertible interface {
	ImporterFor(source string) (Importer, error)
	ExporterFor(target, ckptPath string) (Exporter, error)
}

type registryKey struct {
	model reflect.Type
	tag   string
}

var (
	registryMu sync.RWMutex
	importers  = make(map[registryKey]func(model any, source string) Importer)
	exporters  = make(map[registryKey]func(model any, ckptPath string) Exporter)
)

// RegisterImporter attaches an importer constructor to the model type M under
// the given format tag. Registration never fails; registering the same
// (model type, tag) pair again replaces the previous constructor. Unknown
// (model type, tag) pairs surface as errors at resolution time instead.
func RegisterImporter[M any](tag string, build func(model M, source string) Importer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	key := registryKey{model: reflect.TypeFor[M](), tag: tag}
	importers[key] = func(model any, source string) Importer {
		return build(model.(M), source)
	}
}

// RegisterExporter attaches an exporter constructor to the model type M under
// the given format tag. Same registration semantics as RegisterImporter.
func RegisterExporter[M any](tag string, build func(model M, ckptPath string) Exporter) {
	registryMu.Lock()
	defer registryMu.Unlock()
	key := registryKey{model: reflect.TypeFor[M](), tag: tag}
	exporters[key] = func(model any, ckptPath string) Exporter {
		return build(model.(M), ckptPath)
	}
}

// SplitSource separates the format tag from a source string: "hf://org/model"
// yields ("hf", "org/model"), and a bare tag like "hf" yields ("hf", "").
func SplitSource(source string) (tag, rest string) {
	if before, after, found := strings.Cut(source, "://"); found {
		return before, after
	}
	return source, ""
}

// NewImporter resolves the importer registered for the model's dynamic type
// and the tag of source, and creates an instance bound to source.
func NewImporter(model any, source string) (Importer, error) {
	tag, _ := SplitSource(source)
	registryMu.RLock()
	build, found := importers[registryKey{model: reflect.TypeOf(model), tag: tag}]
	registryMu.RUnlock()
	if !found {
		return nil, errors.Errorf("no importer registered for model type %T under tag %q (registered tags: %s)",
			model, tag, tagsFor(model))
	}
	return build(model, source), nil
}

// NewExporter resolves the exporter registered for the model's dynamic type
// and target tag, and creates an instance bound to the checkpoint at ckptPath.
func NewExporter(model any, target, ckptPath string) (Exporter, error) {
	registryMu.RLock()
	build, found := exporters[registryKey{model: reflect.TypeOf(model), tag: target}]
	registryMu.RUnlock()
	if !found {
		return nil, errors.Errorf("no exporter registered for model type %T under tag %q (registered tags: %s)",
			model, target, tagsFor(model))
	}
	return build(model, ckptPath), nil
}

// tagsFor lists the registered tags for the model's dynamic type, for error
// messages. Caller must not hold registryMu.
func tagsFor(model any) string {
	typ := reflect.TypeOf(model)
	registryMu.RLock()
	defer registryMu.RUnlock()
	var tags []string
	for key := range importers {
		if key.model == typ {
			tags = append(tags, key.tag+" (import)")
		}
	}
	for key := range exporters {
		if key.model == typ {
			tags = append(tags, key.tag+" (export)")
		}
	}
	if len(tags) == 0 {
		return "none"
	}
	sort.Strings(tags)
	return strings.Join(tags, ", ")
}
