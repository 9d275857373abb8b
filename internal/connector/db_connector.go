package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/sirupsen/logrus"
)

// Well-known SQL Server error numbers the engine recovers from.
const (
	ErrForeignKeyViolation = 547
	ErrDuplicateKey        = 2627
	ErrInvalidObjectName   = 208
	ErrImplicitConversion  = 257
)

// Querier is the common query surface of *sql.DB and *sql.Tx
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// DatabaseConnector handles a SQL Server connection and query execution
type DatabaseConnector struct {
	Name             string
	ConnectionString string
	Timeout          time.Duration
	DB               *sql.DB
	Logger           *logrus.Logger
}

// NewDatabaseConnector creates a new database connector. timeoutSeconds of 0
// leaves the driver default in place.
func NewDatabaseConnector(name, connectionString string, timeoutSeconds int, logger *logrus.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		Name:             name,
		ConnectionString: connectionString,
		Timeout:          time.Duration(timeoutSeconds) * time.Second,
		Logger:           logger,
	}
}

// Connect establishes a connection to the SQL Server database
func (dc *DatabaseConnector) Connect(ctx context.Context) error {
	if dc.ConnectionString == "" {
		return fmt.Errorf("database %s: connection string must be provided", dc.Name)
	}

	db, err := sql.Open("sqlserver", dc.ConnectionString)
	if err != nil {
		dc.Logger.Errorf("Error connecting to database %s: %v", dc.Name, err)
		return err
	}

	// Test the connection
	pingCtx, cancel := dc.queryContext(ctx)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		dc.Logger.Errorf("Error pinging database %s: %v", dc.Name, err)
		db.Close()
		return err
	}

	dc.DB = db
	dc.Logger.Infof("Connected to database: %s", dc.Name)
	return nil
}

// Disconnect closes the database connection
func (dc *DatabaseConnector) Disconnect() {
	if dc.DB != nil {
		if err := dc.DB.Close(); err != nil {
			dc.Logger.Errorf("Error closing connection to %s: %v", dc.Name, err)
		}
		dc.DB = nil
	}
}

// queryContext derives a per-statement context honoring the configured timeout
func (dc *DatabaseConnector) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if dc.Timeout > 0 {
		return context.WithTimeout(ctx, dc.Timeout)
	}
	return context.WithCancel(ctx)
}

// ExecuteQuery executes a SQL query against the connection and returns the
// results as one map per row
func (dc *DatabaseConnector) ExecuteQuery(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error) {
	if dc.DB == nil {
		if err := dc.Connect(ctx); err != nil {
			return nil, err
		}
	}
	return dc.QueryOn(ctx, dc.DB, query, params...)
}

// QueryOn executes a query on the given DB or transaction and returns the
// results as one map per row
func (dc *DatabaseConnector) QueryOn(ctx context.Context, q Querier, query string, params ...interface{}) ([]map[string]interface{}, error) {
	queryCtx, cancel := dc.queryContext(ctx)
	defer cancel()

	rows, err := q.QueryContext(queryCtx, query, params...)
	if err != nil {
		dc.Logger.Errorf("Error executing query on %s: %v", dc.Name, err)
		return nil, err
	}
	defer rows.Close()

	return scanRows(rows)
}

// QueryValue executes a query expected to return a single scalar value.
// A missing row and a NULL value both yield nil.
func (dc *DatabaseConnector) QueryValue(ctx context.Context, q Querier, query string, params ...interface{}) (interface{}, error) {
	results, err := dc.QueryOn(ctx, q, query, params...)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	for _, v := range results[0] {
		return v, nil
	}
	return nil, nil
}

// ExecuteStatement executes a SQL statement and returns the number of
// affected rows
func (dc *DatabaseConnector) ExecuteStatement(ctx context.Context, query string, params ...interface{}) (int64, error) {
	if dc.DB == nil {
		if err := dc.Connect(ctx); err != nil {
			return 0, err
		}
	}
	return dc.ExecOn(ctx, dc.DB, query, params...)
}

// ExecOn executes a statement on the given DB or transaction
func (dc *DatabaseConnector) ExecOn(ctx context.Context, q Querier, query string, params ...interface{}) (int64, error) {
	execCtx, cancel := dc.queryContext(ctx)
	defer cancel()

	result, err := q.ExecContext(execCtx, query, params...)
	if err != nil {
		return 0, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		// Set options and DDL report no row count
		return 0, nil
	}
	return affected, nil
}

// BeginTransaction starts a transaction at the given isolation level
func (dc *DatabaseConnector) BeginTransaction(ctx context.Context, isolation sql.IsolationLevel) (*sql.Tx, error) {
	if dc.DB == nil {
		if err := dc.Connect(ctx); err != nil {
			return nil, err
		}
	}

	tx, err := dc.DB.BeginTx(ctx, &sql.TxOptions{Isolation: isolation})
	if err != nil {
		dc.Logger.Errorf("Error starting transaction on %s: %v", dc.Name, err)
		return nil, err
	}
	return tx, nil
}

// scanRows materialises a result set into one map per row
func scanRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}

	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range columns {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	return results, rows.Err()
}

// ErrorNumber extracts the SQL Server error number from a driver error
func ErrorNumber(err error) (int32, bool) {
	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Number, true
	}
	return 0, false
}

// IsErrorNumber reports whether err carries the given SQL Server error number
func IsErrorNumber(err error, number int32) bool {
	n, ok := ErrorNumber(err)
	return ok && n == number
}
