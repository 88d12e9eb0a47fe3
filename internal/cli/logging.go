package cli

import (
	"fmt"
	"strings"

	"github.com/zeromicro/go-zero/core/logx"

	"tickstore/internal/config"
	"tickstore/pkg/confkit"
	"tickstore/pkg/timeseries"
)

// ConfigSummaryLines returns human readable lines describing the loaded app config.
// Secrets such as the DSN are reported by presence only.
func ConfigSummaryLines(cfg *config.Config) []string {
	if cfg == nil {
		return []string{"Configuration: <nil>"}
	}

	storage := cfg.StorageConfig()
	lines := []string{
		fmt.Sprintf("Environment: %s", cfg.Env),
		fmt.Sprintf("Postgres: %s (pool %d/%d)", presence(cfg.Postgres.DSN != ""), cfg.Postgres.MaxIdle, cfg.Postgres.MaxOpen),
		fmt.Sprintf("Redis: %s", presence(cfg.CacheEnabled())),
		fmt.Sprintf("TTL (short/medium): %ds / %ds", cfg.TTL.Short, cfg.TTL.Medium),
		sectionLine("Storage config", cfg.Storage),
		fmt.Sprintf("Tables: %s", tableList(storage.Tables)),
		fmt.Sprintf("Timeouts (ddl/query/write): %s / %s / %s",
			storage.Timeouts.DDL, storage.Timeouts.Query, storage.Timeouts.Write),
		ingestLine(cfg.Ingest),
	}
	if cfg.AdminEnabled() {
		lines = append(lines, fmt.Sprintf("Admin: %s:%d", cfg.Admin.Host, cfg.Admin.Port))
	}
	return lines
}

// LogConfigSummary emits the configuration summary using logx.
func LogConfigSummary(cfg *config.Config) {
	lines := ConfigSummaryLines(cfg)
	if len(lines) == 0 {
		return
	}
	logx.Info("configuration summary")
	for _, line := range lines {
		logx.Infof("config • %s", line)
	}
}

func presence(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}

func sectionLine[T any](name string, section confkit.Section[T]) string {
	switch {
	case strings.TrimSpace(section.File) != "":
		return fmt.Sprintf("%s: %s", name, section.File)
	case section.Value != nil:
		return fmt.Sprintf("%s: inline", name)
	default:
		return fmt.Sprintf("%s: not configured", name)
	}
}

func tableList(tables []timeseries.TableConfig) string {
	if len(tables) == 0 {
		return "none"
	}
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.TableName + "(" + t.Entity + ")"
	}
	return strings.Join(names, ", ")
}

func ingestLine(in config.IngestConf) string {
	if len(in.Routes) == 0 {
		return "Ingest: not configured"
	}
	topics := make([]string, len(in.Routes))
	for i, r := range in.Routes {
		topics[i] = r.Topic + "->" + r.Table
	}
	dlq := in.DLQTopic
	if dlq == "" {
		dlq = "none"
	}
	return fmt.Sprintf("Ingest: brokers=%s group=%s routes=[%s] dlq=%s",
		strings.Join(in.Brokers, ","), in.GroupID, strings.Join(topics, " "), dlq)
}
