package manifest

import (
	"context"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/swarmauri/peagen/internal/ir"
)

// LoadCUE evaluates a CUE file or package directory with the zero Loader.
func LoadCUE(path string) (ir.RecordSet, error) {
	return Loader{}.LoadCUE(context.Background(), path)
}

// LoadCUE evaluates a CUE file or package directory and loads the
// resulting payload. The value must be concrete.
func (l Loader) LoadCUE(ctx context.Context, path string) (ir.RecordSet, error) {
	value, err := buildCUE(path)
	if err != nil {
		return ir.RecordSet{}, err
	}
	// Round-trip through JSON so numbers decode the same way as YAML
	// payloads. Export resolves defaults and fails on incomplete values.
	data, err := value.MarshalJSON()
	if err != nil {
		return ir.RecordSet{}, fmt.Errorf("%s: CUE value is not concrete: %w", path, err)
	}
	rs, err := l.ParseYAML(ctx, data)
	if err != nil {
		return ir.RecordSet{}, withSource(err, path)
	}
	return rs, nil
}

func buildCUE(path string) (cue.Value, error) {
	ctx := cuecontext.New()

	info, err := os.Stat(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("load CUE: %w", err)
	}
	if !info.IsDir() {
		src, err := os.ReadFile(path)
		if err != nil {
			return cue.Value{}, fmt.Errorf("load CUE: %w", err)
		}
		value := ctx.CompileBytes(src, cue.Filename(path))
		if err := value.Err(); err != nil {
			return cue.Value{}, fmt.Errorf("%s: building CUE value: %w", path, err)
		}
		return value, nil
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: path})
	if len(instances) == 0 {
		return cue.Value{}, fmt.Errorf("%s: no CUE instances loaded", path)
	}
	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, fmt.Errorf("%s: loading CUE files: %w", path, inst.Err)
	}
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("%s: building CUE value: %w", path, err)
	}
	return value, nil
}
