package capability

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	xerrors "OpenMCP-Swarm/internal/errors"
)

// ValidateArguments 按工具的输入模式校验参数，未声明模式的工具直接通过。
func ValidateArguments(d Descriptor, args map[string]any) error {
	if len(d.InputSchema) == 0 || string(d.InputSchema) == "null" {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(d.InputSchema),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		return xerrors.Wrap(CodeInvalidArguments, err, fmt.Sprintf("load input schema for %s", d.Name))
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return xerrors.New(CodeInvalidArguments,
		fmt.Sprintf("arguments for %s are invalid: %s", d.Name, strings.Join(problems, "; ")),
		xerrors.WithMetadata("tool", d.Name))
}
