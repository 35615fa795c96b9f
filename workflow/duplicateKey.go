package workflow

import (
	"errors"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

// errDryRunRollback aborts a repair-pass transaction after counting the
// writes it would have made.
var errDryRunRollback = errors.New("dry run rollback")

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
