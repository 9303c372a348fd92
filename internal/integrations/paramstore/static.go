package paramstore

import (
	"context"
	"fmt"
)

// Static serves parameters from a fixed in-memory map. It backs deployments
// where credentials arrive through the environment instead of SSM.
type Static struct {
	vals map[string]string
}

// NewStatic creates a Static getter over a copy of the given values.
func NewStatic(vals map[string]string) *Static {
	copied := make(map[string]string, len(vals))
	for k, v := range vals {
		copied[k] = v
	}
	return &Static{vals: copied}
}

func (s *Static) GetParameter(_ context.Context, name string) (string, error) {
	v, ok := s.vals[name]
	if !ok || v == "" {
		return "", fmt.Errorf("paramstore: parameter %q is not configured", name)
	}
	return v, nil
}
