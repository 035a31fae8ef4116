package trainerctx

import (
	"os"
	"path/filepath"

	"github.com/gomlx/modelio/objtree"
	"github.com/pkg/errors"
)

// resolveFile locates the `io.json` file for the given path.
//
// The path may point at the checkpoint directory, at its `context`
// sub-directory, or at the io.json file itself. If the file is missing at the
// given path, it retries once with the alternate historical layout: older
// checkpoints stored io.json at the checkpoint root, without a `context`
// sub-directory. This fallback is legacy compatibility, not part of the
// stable on-disk contract.
func resolveFile(path string) (string, error) {
	if filepath.Base(path) == FileName {
		if fileExists(path) {
			return path, nil
		}
		return "", notFound(path)
	}
	candidate := filepath.Join(path, FileName)
	if fileExists(candidate) {
		return candidate, nil
	}

	var alternate string
	if filepath.Base(path) == DirName {
		alternate = filepath.Dir(path)
	} else {
		alternate = filepath.Join(path, DirName)
	}
	candidate = filepath.Join(alternate, FileName)
	if fileExists(candidate) {
		return candidate, nil
	}
	return "", notFound(path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func notFound(path string) error {
	return errors.Wrapf(os.ErrNotExist, "no serialized trainer context (%s) found under %q, "+
		"nor under its alternate layout", FileName, path)
}

// LoadConfig loads the trainer context at path as an unbuilt configuration
// tree, optionally selecting a sub-node by the dotted subpath (e.g.
// "model.config"). Pass subpath="" for the whole context.
//
// Nothing is instantiated: use this for introspection. See LoadBuilt to get
// actual objects back.
func LoadConfig(path, subpath string) (*objtree.Config, error) {
	filePath, err := resolveFile(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read trainer context from %q", filePath)
	}
	config, err := objtree.ConfigFromJSON(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid trainer context in %q", filePath)
	}
	return config.At(subpath)
}

// LoadBuilt loads the trainer context at path and rebuilds the object rooted
// at the dotted subpath ("" for the whole context, "model" for the model).
//
// All types reachable from the selected node must have been registered with
// objtree (typically done in the model package's init).
func LoadBuilt(path, subpath string) (objtree.TypeTagged, error) {
	config, err := LoadConfig(path, subpath)
	if err != nil {
		return nil, err
	}
	return config.Build()
}

// Load is a convenience wrapper for LoadBuilt(path, "") with the result typed
// as *TrainerContext.
func Load(path string) (*TrainerContext, error) {
	built, err := LoadBuilt(path, "")
	if err != nil {
		return nil, err
	}
	tc, ok := built.(*TrainerContext)
	if !ok {
		return nil, errors.Errorf("serialized context at %q holds a %T, not a *TrainerContext", path, built)
	}
	return tc, nil
}
