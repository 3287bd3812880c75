package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/buger/jsonparser"
)

// ErrAmbiguousInput is returned for tool input that different JSON readers
// could interpret differently.
var ErrAmbiguousInput = errors.New("ambiguous tool input")

// Input field names read by the shell tools.
const (
	fieldCommand     = "command"
	fieldCommandPath = "command_path"
	fieldArguments   = "arguments"
	fieldCode        = "code"
)

var inputFields = []string{fieldCommand, fieldCommandPath, fieldArguments, fieldCode}

// ShellInput is the decoded input of a shell_exec or python_exec call. The
// gate inspects it and the tool runner executes it, so both act on the same
// command.
type ShellInput struct {
	Command     string
	CommandPath string
	Arguments   []string
	Code        string
}

// ParseInput decodes the fields read by the shell tools. A known field must
// appear once and spelled exactly; a key that only differs in case is
// rejected with ErrAmbiguousInput, as is a repeated key.
func ParseInput(input []byte) (ShellInput, error) {
	var in ShellInput
	if !json.Valid(input) {
		return in, errors.New("input is not valid JSON")
	}

	seen := make(map[string]bool)
	err := jsonparser.ObjectEach(input, func(key, value []byte, dataType jsonparser.ValueType, _ int) error {
		name := string(key)
		if seen[name] {
			return fmt.Errorf("%w: duplicate key %q", ErrAmbiguousInput, name)
		}
		seen[name] = true

		switch name {
		case fieldCommand:
			return readString(&in.Command, name, value, dataType)
		case fieldCommandPath:
			return readString(&in.CommandPath, name, value, dataType)
		case fieldCode:
			return readString(&in.Code, name, value, dataType)
		case fieldArguments:
			args, err := readArguments(value, dataType)
			if err != nil {
				return err
			}
			in.Arguments = args
			return nil
		}

		for _, field := range inputFields {
			if strings.EqualFold(name, field) {
				return fmt.Errorf("%w: key %q must be spelled %q", ErrAmbiguousInput, name, field)
			}
		}
		return nil
	})
	if err != nil {
		return ShellInput{}, err
	}
	return in, nil
}

// CommandLine returns the command when present, else the command path
// followed by the arguments.
func (in ShellInput) CommandLine() string {
	if strings.TrimSpace(in.Command) != "" {
		return in.Command
	}
	if strings.TrimSpace(in.CommandPath) == "" {
		return ""
	}
	return strings.Join(append([]string{in.CommandPath}, in.Arguments...), " ")
}

func readString(dst *string, name string, value []byte, dataType jsonparser.ValueType) error {
	switch dataType {
	case jsonparser.String:
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		*dst = s
		return nil
	case jsonparser.Null:
		return nil
	default:
		return fmt.Errorf("%s must be a string, got %s", name, dataType)
	}
}

// readArguments keeps strings, numbers and booleans in their JSON spelling
// and drops nulls.
func readArguments(value []byte, dataType jsonparser.ValueType) ([]string, error) {
	switch dataType {
	case jsonparser.Null:
		return nil, nil
	case jsonparser.Array:
	default:
		return nil, fmt.Errorf("arguments must be an array, got %s", dataType)
	}

	var args []string
	var failed error
	_, err := jsonparser.ArrayEach(value, func(item []byte, itemType jsonparser.ValueType, _ int, err error) {
		if failed != nil {
			return
		}
		if err != nil {
			failed = err
			return
		}
		switch itemType {
		case jsonparser.String:
			arg, err := jsonparser.ParseString(item)
			if err != nil {
				failed = err
				return
			}
			args = append(args, arg)
		case jsonparser.Number, jsonparser.Boolean:
			args = append(args, string(item))
		case jsonparser.Null:
		default:
			failed = fmt.Errorf("argument must be a string, number or boolean, got %s", itemType)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read arguments: %w", err)
	}
	if failed != nil {
		return nil, failed
	}
	return args, nil
}
