// Package generic provides a model description for checkpoints whose
// architecture is defined elsewhere, typically models imported from the
// Hugging Face hub: it records the configuration needed to re-materialize the
// weights without interpreting them.
//
// Importing the package registers the type with objtree and attaches the HF
// converters, so this works out of the box:
//
//	model := generic.New("llama")
//	ckptPath, err := connectors.Import(model, "hf://meta-llama/Llama-3.2-1B").Done()
package generic

import (
	"github.com/gomlx/modelio/connectors"
	"github.com/gomlx/modelio/connectors/hf"
	"github.com/gomlx/modelio/objtree"
)

// Model describes an externally-defined model: its architecture name, the hub
// model its weights came from (if imported) and an opaque configuration blob.
type Model struct {
	Architecture string         `json:"architecture,omitempty"`
	HubID        string         `json:"hub_id,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
}

// New creates a Model for the given architecture name.
func New(architecture string) *Model {
	return &Model{Architecture: architecture}
}

// TypeTags implements objtree.TypeTagged.
func (m *Model) TypeTags() (typeName, kind string) {
	return "GenericModel", "model"
}

// SetHubSource implements hf.HubSourced: the importer records which hub model
// the weights came from.
func (m *Model) SetHubSource(id string) {
	m.HubID = id
}

// ImporterFor implements connectors.Convertible.
func (m *Model) ImporterFor(source string) (connectors.Importer, error) {
	return connectors.NewImporter(m, source)
}

// ExporterFor implements connectors.Convertible.
func (m *Model) ExporterFor(target, ckptPath string) (connectors.Exporter, error) {
	return connectors.NewExporter(m, target, ckptPath)
}

func init() {
	objtree.Register(func() *Model { return &Model{} })
	hf.RegisterFor[*Model]()
}
