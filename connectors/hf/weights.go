package hf

import (
	"sort"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
)

// Hub tensor names are dotted ("model.layers.0.weight"); natively each tensor
// becomes a context variable, the dotted prefix mapped to the variable scope.

func scopeAndName(tensorName string) (scope, name string) {
	parts := strings.Split(tensorName, ".")
	name = parts[len(parts)-1]
	scope = context.RootScope
	if len(parts) > 1 {
		scope = context.ScopeSeparator + strings.Join(parts[:len(parts)-1], context.ScopeSeparator)
	}
	return
}

func tensorName(scope, name string) string {
	scope = strings.TrimPrefix(scope, context.ScopeSeparator)
	if scope == "" {
		return name
	}
	return strings.ReplaceAll(scope, context.ScopeSeparator, ".") + "." + name
}

// writeNativeWeights saves the tensors as a native weights directory (gomlx
// checkpoint files), creating it as needed.
func writeNativeWeights(weightsDir string, tensorList []*NamedTensor) error {
	ctx := context.New()
	for _, nt := range tensorList {
		scope, name := scopeAndName(nt.Name)
		ctx.InAbsPath(scope).VariableWithValue(name, nt.Tensor)
	}
	handler, err := checkpoints.Build(ctx).Dir(weightsDir).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to set up native weights directory %q", weightsDir)
	}
	if err = handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save native weights to %q", weightsDir)
	}
	return nil
}

// readNativeWeights loads all variables of the native weights directory,
// returning them as named tensors sorted by name.
func readNativeWeights(weightsDir string) ([]*NamedTensor, error) {
	ctx := context.New()
	handler, err := checkpoints.Build(ctx).Dir(weightsDir).Immediate().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load native weights from %q", weightsDir)
	}
	hasCheckpoints, err := handler.HasCheckpoints()
	if err != nil {
		return nil, err
	}
	if !hasCheckpoints {
		return nil, errors.Errorf("no native weights found in %q", weightsDir)
	}
	var tensorList []*NamedTensor
	for v := range ctx.IterVariables() {
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read variable %q", v.ScopeAndName())
		}
		tensorList = append(tensorList, &NamedTensor{Name: tensorName(v.Scope(), v.Name()), Tensor: value})
	}
	sort.Slice(tensorList, func(i, j int) bool { return tensorList[i].Name < tensorList[j].Name })
	return tensorList, nil
}
