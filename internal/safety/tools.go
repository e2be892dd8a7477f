package safety

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/normanking/cortexcore/internal/faults"
	"github.com/normanking/cortexcore/internal/resource"
)

// Args are the parameters of a tool call.
type Args map[string]any

// String returns a required string argument.
func (a Args) String(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", faults.Errorf(faults.KindInvalidInput, "safety.args", "missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", faults.Errorf(faults.KindInvalidInput, "safety.args", "argument %q must be a string", key)
	}
	return s, nil
}

// OptionalString returns a string argument or def when absent.
func (a Args) OptionalString(key, def string) string {
	if s, ok := a[key].(string); ok {
		return s
	}
	return def
}

// Tool is an action the safety net can run.
type Tool interface {
	// Name returns the tool identifier used in tool calls and capability tables.
	Name() string

	// Description is shown to the model.
	Description() string

	// Mutating reports whether the tool changes resources. Only mutating
	// tools are snapshotted and can be rolled back.
	Mutating() bool

	// Resources validates args and lists the resources the call touches.
	Resources(args Args) ([]string, error)

	// Execute runs the tool.
	Execute(ctx context.Context, args Args) (string, error)
}

// ResourceTools returns the built-in tools over a resource store.
func ResourceTools(store resource.Store) []Tool {
	return []Tool{
		&readTool{store: store},
		&listTool{store: store},
		&writeTool{store: store},
		&appendTool{store: store},
		&deleteTool{store: store},
	}
}

func idResources(args Args) ([]string, error) {
	id, err := args.String("id")
	if err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, faults.New(faults.KindInvalidInput, "safety.args", "empty resource id")
	}
	return []string{id}, nil
}

type readTool struct{ store resource.Store }

func (t *readTool) Name() string { return "read_resource" }
func (t *readTool) Description() string { return "Read a resource. Params: {\"id\": string}" }
func (t *readTool) Mutating() bool { return false }

func (t *readTool) Resources(args Args) ([]string, error) { return idResources(args) }

func (t *readTool) Execute(ctx context.Context, args Args) (string, error) {
	ids, err := idResources(args)
	if err != nil {
		return "", err
	}
	r, err := t.store.Read(ctx, ids[0])
	if err != nil {
		return "", err
	}
	return string(r.Content), nil
}

type listTool struct{ store resource.Store }

func (t *listTool) Name() string { return "list_resources" }
func (t *listTool) Description() string {
	return "List resource ids. Params: {\"prefix\": string (optional)}"
}
func (t *listTool) Mutating() bool { return false }
func (t *listTool) Resources(Args) ([]string, error) { return nil, nil }

func (t *listTool) Execute(ctx context.Context, args Args) (string, error) {
	list, err := t.store.List(ctx, args.OptionalString("prefix", ""))
	if err != nil {
		return "", err
	}
	ids := make([]string, len(list))
	for i, r := range list {
		ids[i] = r.ID
	}
	sort.Strings(ids)
	return strings.Join(ids, "\n"), nil
}

type writeTool struct{ store resource.Store }

func (t *writeTool) Name() string { return "write_resource" }
func (t *writeTool) Description() string {
	return "Create or replace a resource. Params: {\"id\": string, \"content\": string}"
}
func (t *writeTool) Mutating() bool { return true }

func (t *writeTool) Resources(args Args) ([]string, error) {
	if _, err := args.String("content"); err != nil {
		return nil, err
	}
	return idResources(args)
}

func (t *writeTool) Execute(ctx context.Context, args Args) (string, error) {
	ids, err := t.Resources(args)
	if err != nil {
		return "", err
	}
	content, _ := args.String("content")
	v, err := t.store.Write(ctx, ids[0], []byte(content))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %s (version %d, %d bytes)", ids[0], v, len(content)), nil
}

type appendTool struct{ store resource.Store }

func (t *appendTool) Name() string { return "append_resource" }
func (t *appendTool) Description() string {
	return "Append text to a resource, creating it if needed. Params: {\"id\": string, \"content\": string}"
}
func (t *appendTool) Mutating() bool { return true }

func (t *appendTool) Resources(args Args) ([]string, error) {
	if _, err := args.String("content"); err != nil {
		return nil, err
	}
	return idResources(args)
}

func (t *appendTool) Execute(ctx context.Context, args Args) (string, error) {
	ids, err := t.Resources(args)
	if err != nil {
		return "", err
	}
	extra, _ := args.String("content")

	var existing []byte
	r, err := t.store.Read(ctx, ids[0])
	switch {
	case err == nil:
		existing = r.Content
	case faults.KindOf(err) == faults.KindNotFound:
	default:
		return "", err
	}

	v, err := t.store.Write(ctx, ids[0], append(append([]byte{}, existing...), extra...))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("appended %d bytes to %s (version %d)", len(extra), ids[0], v), nil
}

type deleteTool struct{ store resource.Store }

func (t *deleteTool) Name() string { return "delete_resource" }
func (t *deleteTool) Description() string { return "Delete a resource. Params: {\"id\": string}" }
func (t *deleteTool) Mutating() bool { return true }

func (t *deleteTool) Resources(args Args) ([]string, error) { return idResources(args) }

func (t *deleteTool) Execute(ctx context.Context, args Args) (string, error) {
	ids, err := idResources(args)
	if err != nil {
		return "", err
	}
	v, err := t.store.Delete(ctx, ids[0])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("deleted %s (version %d)", ids[0], v), nil
}
