package repository

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// ErrDuplicateKey marks a write that lost a uniqueness race. Callers can
// errors.Is against it without importing the driver.
var ErrDuplicateKey = errors.New("duplicate key")

const mysqlDuplicateEntry = 1062

func wrapDuplicate(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	}
	return err
}
