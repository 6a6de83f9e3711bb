package flow

import "fmt"

// stringArg, floatArg and boolArg report a human-readable error (spec.md §7's "Validation"
// error kind) rather than panicking, so a bad Flow card argument fails the action cleanly.

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", fmt.Errorf("missing argument %q", name)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", name)
	}
	return s, nil
}

func floatArg(args map[string]any, name string) (float64, error) {
	v, ok := args[name]
	if !ok {
		return 0, fmt.Errorf("missing argument %q", name)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("argument %q must be a number", name)
	}
}

// optionalFloatArg returns clear=true when the argument was omitted or explicitly null,
// matching the "override expected power" action's clear-by-omitting-the-value contract.
func optionalFloatArg(args map[string]any, name string) (value float64, clear bool, err error) {
	v, ok := args[name]
	if !ok || v == nil {
		return 0, true, nil
	}
	f, err := floatArg(args, name)
	if err != nil {
		return 0, false, err
	}
	return f, false, nil
}

func boolArg(args map[string]any, name string) (bool, error) {
	v, ok := args[name]
	if !ok {
		return false, fmt.Errorf("missing argument %q", name)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("argument %q must be a boolean", name)
	}
	return b, nil
}
