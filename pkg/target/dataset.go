package target

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/supporttools/GoBackupGuard/pkg/config"
)

// Dataset is an in-system table that can be exported to and ingested from CSV
type Dataset interface {
	Name() string
	// Export returns the header row followed by data rows ordered by key
	Export(ctx context.Context) ([]string, [][]string, error)
	// Import stores rows keyed by header. replace removes existing rows first.
	Import(ctx context.Context, header []string, rows [][]string, replace bool) (int, error)
}

// DatasetRegistry looks datasets up by name
type DatasetRegistry interface {
	Dataset(name string) (Dataset, bool)
	Names() []string
}

// Column maps a CSV header to a table column
type Column struct {
	Header string
	Field  string
}

// TableDataset exports a table through gorm
type TableDataset struct {
	DB      *gorm.DB
	Dataset string
	Table   string
	Key     string
	Columns []Column
}

// Name returns the dataset name
func (d *TableDataset) Name() string { return d.Dataset }

func (d *TableDataset) fields() []string {
	fields := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		fields[i] = c.Field
	}
	return fields
}

// Export reads every row ordered by the key column
func (d *TableDataset) Export(ctx context.Context) ([]string, [][]string, error) {
	header := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		header[i] = c.Header
	}

	rows, err := d.DB.WithContext(ctx).
		Table(d.Table).
		Select(d.fields()).
		Order(d.Key).
		Rows()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to query %s", d.Table)
	}
	defer rows.Close()

	var records [][]string
	for rows.Next() {
		values := make([]interface{}, len(d.Columns))
		ptrs := make([]interface{}, len(d.Columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to scan %s row", d.Table)
		}
		record := make([]string, len(values))
		for i, v := range values {
			record[i] = cellString(v)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read %s", d.Table)
	}
	return header, records, nil
}

// Import upserts rows on the key column. Unknown headers are ignored and a
// missing key header rejects the whole file.
func (d *TableDataset) Import(ctx context.Context, header []string, rows [][]string, replace bool) (int, error) {
	index := map[string]int{}
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}

	var keyHeader string
	for _, c := range d.Columns {
		if c.Field == d.Key {
			keyHeader = c.Header
		}
	}
	if _, ok := index[keyHeader]; !ok {
		return 0, fmt.Errorf("csv for %s is missing the %s column", d.Dataset, keyHeader)
	}

	records := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		record := map[string]interface{}{}
		for _, c := range d.Columns {
			i, ok := index[c.Header]
			if !ok || i >= len(row) {
				continue
			}
			record[c.Field] = row[i]
		}
		if v, _ := record[d.Key].(string); strings.TrimSpace(v) == "" {
			continue
		}
		records = append(records, record)
	}

	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if replace {
			if err := tx.Exec("DELETE FROM " + tx.Statement.Quote(d.Table)).Error; err != nil {
				return err
			}
		}
		if len(records) == 0 {
			return nil
		}
		return tx.Table(d.Table).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: d.Key}}, UpdateAll: true}).
			Create(records).Error
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to import %s", d.Dataset)
	}
	return len(records), nil
}

func cellString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}

// Registry is a mutable DatasetRegistry
type Registry struct {
	mu       sync.RWMutex
	datasets map[string]Dataset
}

// NewRegistry returns a registry holding datasets
func NewRegistry(datasets ...Dataset) *Registry {
	r := &Registry{datasets: map[string]Dataset{}}
	for _, d := range datasets {
		r.Register(d)
	}
	return r
}

// Register adds or replaces a dataset
func (r *Registry) Register(d Dataset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.datasets[d.Name()] = d
}

// Dataset returns the named dataset
func (r *Registry) Dataset(name string) (Dataset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.datasets[name]
	return d, ok
}

// Names returns the registered dataset names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.datasets))
	for name := range r.datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultDatasets returns the employees and items tables of the
// application database.
func DefaultDatasets(db *gorm.DB) *Registry {
	return NewRegistry(
		&TableDataset{
			DB:      db,
			Dataset: "employees",
			Table:   "employees",
			Key:     "employee_code",
			Columns: []Column{
				{Header: "employeeCode", Field: "employee_code"},
				{Header: "displayName", Field: "display_name"},
				{Header: "nfcTagUid", Field: "nfc_tag_uid"},
				{Header: "department", Field: "department"},
				{Header: "contact", Field: "contact"},
				{Header: "status", Field: "status"},
			},
		},
		&TableDataset{
			DB:      db,
			Dataset: "items",
			Table:   "items",
			Key:     "item_code",
			Columns: []Column{
				{Header: "itemCode", Field: "item_code"},
				{Header: "name", Field: "name"},
				{Header: "nfcTagUid", Field: "nfc_tag_uid"},
				{Header: "category", Field: "category"},
				{Header: "storageLocation", Field: "storage_location"},
				{Header: "status", Field: "status"},
				{Header: "notes", Field: "notes"},
			},
		},
	)
}

// OpenDatasetDB connects to the mysql:// database holding the datasets
func OpenDatasetDB(raw string) (*gorm.DB, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "mysql" {
		return nil, config.Errorf("targets.datasetDatabaseURL", "csv datasets need a mysql:// URL, got %s", config.RedactURL(raw))
	}
	conn, err := parseMySQL(u)
	if err != nil {
		return nil, err
	}
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(conn.host, conn.port)
	cfg.User = conn.user
	cfg.Passwd = conn.password
	cfg.DBName = conn.database
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	db, err := gorm.Open(gormmysql.Open(cfg.FormatDSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to dataset database %s", config.RedactURL(raw))
	}
	return db, nil
}

// LookupDataset returns the named dataset or a ConfigurationError
func LookupDataset(registry DatasetRegistry, name string) (Dataset, error) {
	if registry == nil {
		return nil, config.Errorf("source", "no csv datasets are registered")
	}
	d, ok := registry.Dataset(name)
	if !ok {
		return nil, config.Errorf("source", "unknown csv dataset %q (known: %s)", name, strings.Join(registry.Names(), ", "))
	}
	return d, nil
}
