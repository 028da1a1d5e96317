package audit

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/changetrail/changetrail/internal/config"
	"github.com/changetrail/changetrail/internal/db/repositories"
)

// Pipeline is the configured audit stack: the writer, its shippers and the
// session defaults. Persistence code obtains Sessions from it.
type Pipeline struct {
	db       *sqlx.DB
	writer   *Writer
	shippers *MultiShipper
	opts     []Option
}

// NewPipeline builds the audit stack from configuration. When auditing is
// disabled the pipeline still hands out Sessions, which then apply changes
// without writing audit rows.
func NewPipeline(db *sqlx.DB, cfg *config.AuditConfig) (*Pipeline, error) {
	p := &Pipeline{db: db}
	if !cfg.Enabled {
		return p, nil
	}

	shippers, err := NewMultiShipper(ShipperConfigs(cfg.Shippers))
	if err != nil {
		return nil, fmt.Errorf("failed to create audit shippers: %w", err)
	}
	p.shippers = shippers

	var shipper Shipper
	if shippers.Len() > 0 {
		shipper = shippers
	}
	p.writer = NewWriter(db, repositories.NewAuditRepository(db), shipper)

	switch WriteMode(cfg.WriteMode) {
	case WriteModeAtomic:
		p.opts = append(p.opts, WithWriteMode(WriteModeAtomic))
	case WriteModeDeferred, "":
	default:
		_ = shippers.Close()
		return nil, fmt.Errorf("invalid audit write mode: %s", cfg.WriteMode)
	}
	return p, nil
}

// Enabled reports whether Sessions from this pipeline record audit rows.
func (p *Pipeline) Enabled() bool { return p.writer != nil }

// Shippers returns the number of active shippers.
func (p *Pipeline) Shippers() int {
	if p.shippers == nil {
		return 0
	}
	return p.shippers.Len()
}

// Session returns a Session that commits through applier. opts are applied
// after the configured defaults.
func (p *Pipeline) Session(applier Applier, opts ...Option) *Session {
	all := append(append([]Option{}, p.opts...), opts...)
	return NewSession(p.db, applier, p.writer, all...)
}

// Close flushes and closes the shippers.
func (p *Pipeline) Close() error {
	if p.shippers == nil {
		return nil
	}
	return p.shippers.Close()
}

// ShipperConfigs converts the config file form, which counts timeouts in
// seconds, into shipper configs.
func ShipperConfigs(in []config.AuditShipperConfig) []ShipperConfig {
	out := make([]ShipperConfig, 0, len(in))
	for _, c := range in {
		sc := ShipperConfig{Enabled: c.Enabled, Type: c.Type}
		if c.Webhook != nil {
			sc.Webhook = &WebhookConfig{
				URL:           c.Webhook.URL,
				Headers:       c.Webhook.Headers,
				Timeout:       time.Duration(c.Webhook.TimeoutSecs) * time.Second,
				BatchSize:     c.Webhook.BatchSize,
				FlushInterval: time.Duration(c.Webhook.FlushInterval) * time.Second,
			}
		}
		if c.File != nil {
			sc.File = &FileConfig{
				Path:       c.File.Path,
				MaxSizeMB:  c.File.MaxSizeMB,
				MaxBackups: c.File.MaxBackups,
			}
		}
		out = append(out, sc)
	}
	return out
}
