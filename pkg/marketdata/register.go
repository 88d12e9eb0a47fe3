package marketdata

import (
	"context"
	"fmt"

	"tickstore/pkg/timeseries"
)

// RegisterTables registers every table in the storage section, in file order. It stops
// at the first failure.
func RegisterTables(ctx context.Context, m *timeseries.Manager, cfg *timeseries.Config) error {
	if cfg == nil {
		return nil
	}
	for _, t := range cfg.Tables {
		entity, err := Lookup(t.Entity)
		if err != nil {
			return err
		}
		if err := m.RegisterEntity(ctx, entity, t.RegistrationOptions); err != nil {
			return fmt.Errorf("register %s as %s: %w", t.TableName, t.Entity, err)
		}
	}
	return nil
}
