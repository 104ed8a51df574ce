package state

import "gorm.io/gorm"

var softDeletable = map[string]bool{
	TableLists:       true,
	TableMemberships: true,
	TableFollows:     true,
	TableLikes:       true,
	TableComments:    true,
}

// SoftDeletable reports whether table carries a deleted_at tombstone column.
func SoftDeletable(table string) bool {
	return softDeletable[table]
}

// LiveOn returns the live predicate for alias, suitable for WHERE clauses and JOIN ... ON conditions.
func LiveOn(alias string) string {
	if alias == "" {
		return "deleted_at IS NULL"
	}
	return alias + ".deleted_at IS NULL"
}

// Live scopes a query to rows of alias that have not been tombstoned.
func Live(alias string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(LiveOn(alias))
	}
}
