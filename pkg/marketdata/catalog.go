package marketdata

import (
	"fmt"
	"sort"
	"strings"

	"tickstore/pkg/timeseries"
)

var catalog = map[string]timeseries.Entity{
	Candle{}.Name(): Candle{},
	Trade{}.Name():  Trade{},
}

// Lookup returns the entity registered under name ("candle", "trade").
func Lookup(name string) (timeseries.Entity, error) {
	e, ok := catalog[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("marketdata: unknown entity %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return e, nil
}

// Names lists the known entity names in sorted order.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
