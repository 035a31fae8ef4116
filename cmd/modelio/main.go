// modelio converts model checkpoints between the native format and external
// hub formats, and inspects native checkpoints.
//
// Examples:
//
//	modelio -import hf://meta-llama/Llama-3.2-1B -output ~/ckpts/llama3.2-1b
//	modelio -export hf -output /tmp/llama3.2-1b-hf ~/ckpts/llama3.2-1b
//	modelio -inspect ~/ckpts/llama3.2-1b
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/modelio/connectors"
	"github.com/gomlx/modelio/models/generic"
	"github.com/gomlx/modelio/trainerctx"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagImport = flag.String("import", "", "Import a checkpoint from an external source, e.g. "+
		"\"hf://meta-llama/Llama-3.2-1B\". The imported checkpoint is written to -output "+
		"(or the importer's default cache location).")
	flagArch = flag.String("arch", "llama", "Architecture name recorded in the trainer context of "+
		"imported models. Only used with -import.")
	flagExport = flag.String("export", "", "Export the checkpoint (given as the positional argument) "+
		"to the given target format: \"hf\" or \"hf-peft\".")
	flagInspect = flag.Bool("inspect", false, "Display the trainer context and a summary of the "+
		"weights of the checkpoint given as the positional argument.")

	flagOutput    = flag.String("output", "", "Output path of -import or -export.")
	flagOverwrite = flag.Bool("overwrite", false, "Allow -import/-export to replace a pre-existing output.")
	flagDType     = flag.String("dtype", "", "Cast float weights during -export: \"f16\", \"bf16\" or \"f32\".")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	switch {
	case *flagImport != "":
		requireArgs(0)
		runImport()
	case *flagExport != "":
		requireArgs(1)
		runExport(flag.Arg(0))
	case *flagInspect:
		requireArgs(1)
		runInspect(flag.Arg(0))
	default:
		klog.Errorf("Nothing to do: pass one of -import, -export or -inspect. See 'modelio -help'.")
		os.Exit(1)
	}
}

func requireArgs(n int) {
	if len(flag.Args()) != n {
		if n == 0 {
			klog.Errorf("Unexpected argument %q. See 'modelio -help'.", flag.Arg(0))
		} else {
			klog.Errorf("Expected exactly one checkpoint directory argument. See 'modelio -help'.")
		}
		os.Exit(1)
	}
}

func runImport() {
	model := generic.New(*flagArch)
	config := connectors.Import(model, *flagImport)
	if *flagOutput != "" {
		config.OutputPath(*flagOutput)
	}
	if *flagOverwrite {
		config.Overwrite()
	}
	ckptPath := must.M1(config.Done())
	fmt.Printf("Imported %q to %q\n", *flagImport, ckptPath)
}

func runExport(ckptDir string) {
	config := connectors.Export(ckptDir, *flagExport)
	if *flagOutput != "" {
		config.OutputPath(*flagOutput)
	}
	if *flagOverwrite {
		config.Overwrite()
	}
	if *flagDType != "" {
		config.WithOption("dtype", *flagDType)
	}
	outputPath := must.M1(config.Done())
	fmt.Printf("Exported %q to %q as %q\n", ckptDir, outputPath, *flagExport)
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func runInspect(ckptDir string) {
	fmt.Println(titleStyle.Render("Trainer Context"))
	table := newPlainTable(false)
	table.Row("checkpoint", ckptDir)
	config := must.M1(trainerctx.LoadConfig(ckptDir, ""))
	modelConfig := must.M1(config.At("model"))
	table.Row("model type", modelConfig.TypeName())
	var model struct {
		Architecture string `json:"architecture"`
		HubID        string `json:"hub_id"`
	}
	must.M(modelConfig.Decode(&model))
	if model.Architecture != "" {
		table.Row("architecture", model.Architecture)
	}
	if model.HubID != "" {
		table.Row("hub source", model.HubID)
	}
	fmt.Println(table.Render())

	weightsDir := filepath.Join(ckptDir, connectors.WeightsDir)
	ctx := context.New()
	handler := must.M1(checkpoints.Build(ctx).Dir(weightsDir).Immediate().Done())
	if !must.M1(handler.HasCheckpoints()) {
		fmt.Printf("No weights found in %q.\n", weightsDir)
		return
	}

	fmt.Println(titleStyle.Render("Weights"))
	table = newPlainTable(true)
	table.Row("Scope", "Name", "Shape", "Bytes")
	var variables []*context.Variable
	for v := range ctx.IterVariables() {
		variables = append(variables, v)
	}
	sort.Slice(variables, func(i, j int) bool {
		return variables[i].ScopeAndName() < variables[j].ScopeAndName()
	})
	var totalSize int
	var totalMemory uintptr
	for _, v := range variables {
		shape := v.Shape()
		totalSize += shape.Size()
		totalMemory += shape.Memory()
		table.Row(v.Scope(), v.Name(), shape.String(), humanize.Bytes(uint64(shape.Memory())))
	}
	fmt.Println(table.Render())
	fmt.Printf("%s parameters, %s total\n",
		humanize.Comma(int64(totalSize)), humanize.Bytes(uint64(totalMemory)))
}
