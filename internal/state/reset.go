package state

import (
	"fmt"

	"gorm.io/gorm"
)

// Reset removes every materialized row inside tx. Children go first so a partially applied reset
// never leaves rows pointing at missing parents.
func Reset(tx *gorm.DB) error {
	tables := []string{TableComments, TableLikes, TableFollows, TableMemberships, TableLists, TableMovies, TableUsers}
	for _, table := range tables {
		if err := tx.Exec("DELETE FROM " + table).Error; err != nil {
			return fmt.Errorf("state: reset %s: %w", table, err)
		}
	}
	return nil
}
