package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// providerLister is the slice of the provider registry readiness cares about.
type providerLister interface {
	IDs() []string
	CheckHealth(ctx context.Context) map[string]error
}

// HomeWritable probes that the daemon home directory accepts writes. Session
// logs, credentials, and scheduler state all live there.
func HomeWritable(home string) Checker {
	return Checker{
		Name: "home",
		Check: func(_ context.Context) error {
			probe := filepath.Join(home, ".probe-"+uuid.NewString())
			if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
				return fmt.Errorf("home not writable: %w", err)
			}
			return os.Remove(probe)
		},
	}
}

// ProvidersReachable probes the provider registry. It fails only when every
// configured provider fails its health check; a partial outage leaves the
// daemon ready.
func ProvidersReachable(reg providerLister) Checker {
	return Checker{
		Name: "providers",
		Check: func(ctx context.Context) error {
			ids := reg.IDs()
			if len(ids) == 0 {
				return errors.New("no providers configured")
			}
			results := reg.CheckHealth(ctx)
			for _, id := range ids {
				if results[id] == nil {
					return nil
				}
			}
			return fmt.Errorf("all %d providers unreachable", len(ids))
		},
	}
}
