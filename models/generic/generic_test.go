package generic_test

import (
	"testing"

	"github.com/gomlx/modelio/connectors"
	"github.com/gomlx/modelio/connectors/hf"
	"github.com/gomlx/modelio/models/generic"
	"github.com/gomlx/modelio/trainerctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ckptDir := t.TempDir()
	model := generic.New("llama")
	model.HubID = "meta-llama/Llama-3.2-1B"
	model.Config = map[string]any{"vocab_size": 128256.0}
	require.NoError(t, trainerctx.New(model).Save(ckptDir))

	built, err := trainerctx.LoadBuilt(ckptDir, "model")
	require.NoError(t, err)
	require.IsType(t, &generic.Model{}, built)
	assert.Equal(t, model, built)
}

func TestConvertersRegistered(t *testing.T) {
	model := generic.New("llama")

	importer, err := model.ImporterFor("hf://meta-llama/Llama-3.2-1B")
	require.NoError(t, err)
	assert.IsType(t, &hf.Importer{}, importer)

	for _, target := range []string{connectors.HF, connectors.HFPEFT} {
		exporter, err := model.ExporterFor(target, "/some/ckpt")
		require.NoError(t, err, "target=%q", target)
		assert.IsType(t, &hf.Exporter{}, exporter)
	}

	_, err = model.ImporterFor("gguf://some/model")
	require.Error(t, err)
}
