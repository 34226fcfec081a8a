// Package health probes the configured model provider before a session
// starts.
package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jeanpaul/relay/internal/provider"
)

const checkTimeout = 10 * time.Second

type Status struct {
	Provider  string
	Model     string
	Reachable bool
	Models    []string
	Error     string
	Latency   time.Duration
}

// Check lists the provider's models. A provider that answers is reachable
// even if it lists nothing.
func Check(ctx context.Context, p provider.Provider) Status {
	s := Status{Provider: p.Name(), Model: p.ModelName()}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	models, err := p.Models(ctx)
	s.Latency = time.Since(start)
	if err != nil {
		s.Error = err.Error()
		return s
	}
	s.Reachable = true
	s.Models = models
	return s
}

// CheckModel reports whether the configured model is among those listed.
// Endpoints that list no models are trusted.
func (s Status) CheckModel() error {
	if !s.Reachable {
		return fmt.Errorf("provider not reachable: %s", s.Error)
	}
	if len(s.Models) == 0 {
		return nil
	}
	for _, m := range s.Models {
		if m == s.Model {
			return nil
		}
	}
	return fmt.Errorf("model %q not found, available: %s", s.Model, strings.Join(s.Models, ", "))
}
