package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/othman-fayed/SyncChanges/pkg/models"
)

// DefaultInterval is the loop idle period in seconds when none is configured
const DefaultInterval = 30

// DefaultRowVersionColumn names the provenance column when
// AddRowVersionColumn is set without an explicit name
const DefaultRowVersionColumn = "RowVersion"

// SyncMode controls how far the engine may go to recover a destination
type SyncMode string

const (
	// ModeNormal forbids truncate-based flushes on the destination
	ModeNormal SyncMode = "Normal"
	// ModeSlave treats the destination as fully disposable downstream state
	ModeSlave SyncMode = "Slave"
)

// ColumnMapping renames one column between source and destination
type ColumnMapping struct {
	Source string `yaml:"Source"`
	Target string `yaml:"Target"`
}

// TableMapping renames a table (and optionally its columns) between source
// and destination
type TableMapping struct {
	Source         string          `yaml:"Source"`
	Target         string          `yaml:"Target"`
	ColumnMappings []ColumnMapping `yaml:"ColumnMappings"`
}

// DatabaseInfo describes one source or destination database
type DatabaseInfo struct {
	Name                  string         `yaml:"Name"`
	ConnectionString      string         `yaml:"ConnectionString"`
	BatchSize             int            `yaml:"BatchSize"`
	PopulateOutOfSync     bool           `yaml:"PopulateOutOfSync"`
	Mode                  SyncMode       `yaml:"Mode"`
	TableMapping          []TableMapping `yaml:"TableMapping"`
	AddRowVersionColumn   bool           `yaml:"AddRowVersionColumn"`
	RowVersionColumnName  string         `yaml:"RowVersionColumnName"`
	DisableAllConstraints bool           `yaml:"DisableAllConstraints"`
}

// ReplicationSet is one source with its downstream destinations
type ReplicationSet struct {
	Name          string         `yaml:"Name"`
	Source        DatabaseInfo   `yaml:"Source"`
	Destinations  []DatabaseInfo `yaml:"Destinations"`
	Tables        []string       `yaml:"Tables"`
	ExcludeTables []string       `yaml:"ExcludeTables"`
	DebugTables   []string       `yaml:"DebugTables"`
}

// Config is the top-level configuration document
type Config struct {
	Timeout         int              `yaml:"Timeout"`
	Interval        int              `yaml:"Interval"`
	ReplicationSets []ReplicationSet `yaml:"ReplicationSets"`
}

// envOverrides are applied on top of the loaded document
type envOverrides struct {
	Timeout  *int `env:"SYNCCHANGES_TIMEOUT"`
	Interval *int `env:"SYNCCHANGES_INTERVAL"`
}

// Load reads, defaults and validates a configuration document
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return nil, fmt.Errorf("parsing environment overrides: %w", err)
	}
	if overrides.Timeout != nil {
		cfg.Timeout = *overrides.Timeout
	}
	if overrides.Interval != nil {
		cfg.Interval = *overrides.Interval
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	for i := range c.ReplicationSets {
		set := &c.ReplicationSets[i]
		for j := range set.Destinations {
			dest := &set.Destinations[j]
			if dest.Mode == "" {
				dest.Mode = ModeSlave
			}
			if dest.AddRowVersionColumn && dest.RowVersionColumnName == "" {
				dest.RowVersionColumnName = DefaultRowVersionColumn
			}
		}
	}
}

// Validate checks the document for the mistakes the engine cannot work around
func (c *Config) Validate() error {
	if len(c.ReplicationSets) == 0 {
		return fmt.Errorf("config: at least one replication set is required")
	}
	names := make(map[string]bool)
	for _, set := range c.ReplicationSets {
		if set.Name == "" {
			return fmt.Errorf("config: every replication set needs a Name")
		}
		if names[set.Name] {
			return fmt.Errorf("config: duplicate replication set name %q", set.Name)
		}
		names[set.Name] = true
		if set.Source.ConnectionString == "" {
			return fmt.Errorf("config: replication set %q has no source connection string", set.Name)
		}
		if len(set.Destinations) == 0 {
			return fmt.Errorf("config: replication set %q has no destinations", set.Name)
		}
		for _, dest := range set.Destinations {
			if dest.ConnectionString == "" {
				return fmt.Errorf("config: destination %q in set %q has no connection string", dest.Name, set.Name)
			}
			if dest.Mode != ModeNormal && dest.Mode != ModeSlave {
				return fmt.Errorf("config: destination %q in set %q has unknown mode %q", dest.Name, set.Name, dest.Mode)
			}
			if dest.Mode == ModeNormal && dest.PopulateOutOfSync {
				return fmt.Errorf("config: destination %q in set %q: PopulateOutOfSync requires Slave mode", dest.Name, set.Name)
			}
		}
	}
	return nil
}

// ByName finds a replication set by name
func (c *Config) ByName(name string) (ReplicationSet, bool) {
	for _, set := range c.ReplicationSets {
		if set.Name == name {
			return set, true
		}
	}
	return ReplicationSet{}, false
}

func stripBrackets(name string) string {
	return strings.NewReplacer("[", "", "]", "").Replace(name)
}

func matchesTable(pattern string, t *models.TableDescriptor) bool {
	stripped := stripBrackets(pattern)
	if strings.Contains(stripped, ".") {
		return strings.EqualFold(stripped, t.SchemaName+"."+t.TableName)
	}
	return strings.EqualFold(stripped, t.TableName)
}

// MapTable resolves the destination-side bracketed name for a source table.
// Unmapped tables pass through unchanged; a bare mapping target keeps the
// source schema.
func (d *DatabaseInfo) MapTable(t *models.TableDescriptor) string {
	return d.mapQualified(t.SchemaName, t.TableName)
}

// MapQualifiedTable resolves the destination-side name for a source table
// given as a (possibly bracketed) schema-qualified name
func (d *DatabaseInfo) MapQualifiedTable(qualified string) string {
	stripped := stripBrackets(qualified)
	idx := strings.Index(stripped, ".")
	if idx < 0 {
		return d.mapQualified("dbo", stripped)
	}
	return d.mapQualified(stripped[:idx], stripped[idx+1:])
}

func (d *DatabaseInfo) mapQualified(schema, table string) string {
	qualified := schema + "." + table
	for _, m := range d.TableMapping {
		source := stripBrackets(m.Source)
		matches := strings.EqualFold(source, qualified) ||
			(!strings.Contains(source, ".") && strings.EqualFold(source, table))
		if !matches {
			continue
		}
		target := stripBrackets(m.Target)
		if target == "" {
			break
		}
		if idx := strings.Index(target, "."); idx >= 0 {
			return fmt.Sprintf("[%s].[%s]", target[:idx], target[idx+1:])
		}
		return fmt.Sprintf("[%s].[%s]", schema, target)
	}
	return fmt.Sprintf("[%s].[%s]", schema, table)
}

// MapColumn resolves the destination-side name for a source column
func (d *DatabaseInfo) MapColumn(t *models.TableDescriptor, column string) string {
	for _, m := range d.TableMapping {
		if !matchesTable(m.Source, t) {
			continue
		}
		for _, cm := range m.ColumnMappings {
			if strings.EqualFold(stripBrackets(cm.Source), column) && cm.Target != "" {
				return stripBrackets(cm.Target)
			}
		}
		break
	}
	return column
}
