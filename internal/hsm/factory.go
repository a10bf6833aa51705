package hsm

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/ferncliff/spotbridge/internal/shared"
)

// Options configures backend selection.
type Options struct {
	// Provider is "auto", "software", or "cloud". Empty means auto.
	Provider string

	Endpoint    string
	APIKey      string
	KeystoreDir string

	// RequireHardware refuses to start on the software backend.
	RequireHardware bool

	// Development defaults auto-selection to software.
	Development bool

	Logger *log.Logger
}

// NewProvider selects and constructs a key custody backend.
//
// Development defaults to software. Production prefers the cloud module when
// an endpoint and credentials are configured, otherwise it falls back to
// software with a logged warning. RequireHardware turns that fallback into a
// startup error.
func NewProvider(opts Options) (Provider, error) {
	logger := opts.Logger
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	switch opts.Provider {
	case "software":
		if opts.RequireHardware {
			return nil, fmt.Errorf("%w: software provider selected", shared.ErrHardwareRequired)
		}
		return NewSoftwareProvider(opts.KeystoreDir), nil

	case "cloud":
		return NewCloudProvider(opts.Endpoint, opts.APIKey)

	case "", "auto":
		if !opts.Development && opts.Endpoint != "" && opts.APIKey != "" {
			return NewCloudProvider(opts.Endpoint, opts.APIKey)
		}
		if opts.RequireHardware {
			return nil, fmt.Errorf("%w: no hardware module configured", shared.ErrHardwareRequired)
		}
		if !opts.Development {
			logger.Warn("no hardware key module configured, falling back to software key custody")
		}
		return NewSoftwareProvider(opts.KeystoreDir), nil

	default:
		return nil, fmt.Errorf("%w: unknown hsm provider %q", shared.ErrInvalidConfig, opts.Provider)
	}
}
