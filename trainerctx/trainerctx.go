// Package trainerctx serializes and restores the "trainer context" of a
// checkpoint: the object tree describing the model (and whatever else the
// training setup wants to persist) that accompanies the model weights.
//
// On disk, a checkpoint directory looks like:
//
//	<ckpt>/context/io.json    the serialized trainer context (this package)
//	<ckpt>/weights/...        the variable values (gomlx checkpoints files)
//
// The context is stored with objtree, so any registered model type can be
// rebuilt from it -- or just inspected as an unbuilt configuration tree with
// LoadConfig.
package trainerctx

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gomlx/modelio/objtree"
	"github.com/pkg/errors"
)

const (
	// DirName is the conventional sub-directory holding the serialized context.
	DirName = "context"

	// FileName is the serialization file inside the context directory.
	FileName = "io.json"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// TrainerContext captures the serializable state of a training run: the model
// plus free-form extra values (tokenizer ids, dataset fingerprints, ...).
type TrainerContext struct {
	Model objtree.Wrapper[objtree.TypeTagged] `json:"model"`
	Extra map[string]any                      `json:"extra,omitempty"`
}

// New creates a TrainerContext for the given model.
func New(model objtree.TypeTagged) *TrainerContext {
	return &TrainerContext{Model: objtree.Wrap(model)}
}

// TypeTags implements objtree.TypeTagged.
func (tc *TrainerContext) TypeTags() (typeName, kind string) {
	return "TrainerContext", "trainer_context"
}

func init() {
	objtree.Register(func() *TrainerContext { return &TrainerContext{} })
}

// Save writes the context to `<ckptDir>/context/io.json`, creating the
// directory as needed.
func (tc *TrainerContext) Save(ckptDir string) error {
	contextDir := filepath.Join(ckptDir, DirName)
	if err := os.MkdirAll(contextDir, DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create context directory %q", contextDir)
	}
	data, err := objtree.Marshal(tc)
	if err != nil {
		return errors.WithMessagef(err, "failed to serialize trainer context")
	}
	var indented []byte
	indented, err = indentJSON(data)
	if err != nil {
		return err
	}
	filePath := filepath.Join(contextDir, FileName)
	if err = os.WriteFile(filePath, indented, 0660); err != nil {
		return errors.Wrapf(err, "failed to write trainer context to %q", filePath)
	}
	return nil
}

func indentJSON(data []byte) ([]byte, error) {
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, errors.Wrapf(err, "invalid serialized trainer context")
	}
	indented, err := json.MarshalIndent(tree, "", "\t")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to re-encode trainer context")
	}
	return indented, nil
}
