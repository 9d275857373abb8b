package tracker

import (
	"context"
	"database/sql"

	"github.com/sirupsen/logrus"

	"github.com/othman-fayed/SyncChanges/internal/connector"
)

// VersionOracle answers what replication version a database is at and
// persists new versions into the SyncInfo marker table
type VersionOracle struct {
	Logger *logrus.Logger
}

// NewVersionOracle creates a new version oracle
func NewVersionOracle(logger *logrus.Logger) *VersionOracle {
	return &VersionOracle{Logger: logger}
}

// CurrentVersion returns the database's replication version: the SyncInfo
// marker row if present, otherwise the facility's current version,
// otherwise -1.
func (vo *VersionOracle) CurrentVersion(ctx context.Context, dc *connector.DatabaseConnector) (int64, error) {
	rows, err := dc.ExecuteQuery(ctx, `select top 1 Version from SyncInfo`)
	if err == nil && len(rows) > 0 {
		return asVersion(rows[0]["Version"]), nil
	}
	if err != nil && !connector.IsErrorNumber(err, connector.ErrInvalidObjectName) {
		return -1, err
	}

	// No marker table yet; ask the facility
	rows, err = dc.ExecuteQuery(ctx, `select change_tracking_current_version() as Version`)
	if err != nil {
		return -1, err
	}
	if len(rows) == 0 || rows[0]["Version"] == nil {
		// Tracking disabled on this database
		return -1, nil
	}
	return asVersion(rows[0]["Version"]), nil
}

// SetVersion writes the version marker inside the caller's transaction,
// creating the SyncInfo table on first use
func (vo *VersionOracle) SetVersion(ctx context.Context, dc *connector.DatabaseConnector, tx *sql.Tx, version int64) error {
	create := `
		if object_id('dbo.SyncInfo') is null
			create table dbo.SyncInfo (
				Id int not null primary key default 1 check (Id = 1),
				Version bigint not null
			)`
	if _, err := dc.ExecOn(ctx, tx, create); err != nil {
		return err
	}

	update := `
		update dbo.SyncInfo set Version = @p1
		if @@rowcount = 0 insert into dbo.SyncInfo (Version) values (@p1)`
	if _, err := dc.ExecOn(ctx, tx, update, version); err != nil {
		return err
	}

	vo.Logger.Debugf("Set version of database %s to %d", dc.Name, version)
	return nil
}

// asVersion converts a driver value to a version number
func asVersion(v interface{}) int64 {
	switch value := v.(type) {
	case nil:
		return -1
	case int64:
		return value
	case int32:
		return int64(value)
	case int:
		return int64(value)
	default:
		return -1
	}
}
