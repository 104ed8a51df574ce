package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MutationKind enumerates the row mutations a materializer may emit.
type MutationKind string

const (
	// MutationInsert inserts a row; an existing primary key counts as already applied.
	MutationInsert MutationKind = "insert"
	// MutationUpdateByKey updates the row with the given primary key.
	MutationUpdateByKey MutationKind = "update_by_key"
	// MutationUpdateByFilter updates every row matching a parameterized condition.
	MutationUpdateByFilter MutationKind = "update_by_filter"
)

var (
	errUnknownMutation = errors.New("state: unknown mutation kind")
	errMissingRow      = errors.New("state: insert requires a row")
	errMissingTable    = errors.New("state: mutation requires a table")
	errMissingKey      = errors.New("state: update by key requires a key")
	errMissingFilter   = errors.New("state: update by filter requires a condition")
	errEmptyAssignment = errors.New("state: update requires at least one assignment")
)

// Row is a materialized model.
type Row interface {
	TableName() string
}

// Condition is a SQL fragment with bound parameters. Fragments are written by materializers,
// never by callers; values always travel as parameters.
type Condition struct {
	SQL  string
	Args []any
}

// Adjust adds Delta to a counter column, clamped at zero. With PerAffected the delta is
// multiplied by the rows affected by the parent mutation.
type Adjust struct {
	Delta       int64
	PerAffected bool
}

// Expression assigns the result of a parameterized SQL expression to a column.
type Expression struct {
	SQL  string
	Args []any
}

// Mutation is one row effect of an event. Then holds follow-ups that only run when this
// mutation affected at least one row, which keeps re-delivered events from double counting.
type Mutation struct {
	Kind   MutationKind
	Table  string
	Row    Row
	Upsert []string
	Guard  *Condition
	Key    string
	Filter *Condition
	Set    map[string]any
	Then   []Mutation
}

// Insert builds an insert mutation for row.
func Insert(row Row, then ...Mutation) Mutation {
	return Mutation{Kind: MutationInsert, Table: row.TableName(), Row: row, Then: then}
}

// UpdateByKey builds an update of the row with primary key key.
func UpdateByKey(table, key string, set map[string]any, then ...Mutation) Mutation {
	return Mutation{Kind: MutationUpdateByKey, Table: table, Key: key, Set: set, Then: then}
}

// UpdateByFilter builds an update of every row matching where.
func UpdateByFilter(table string, where Condition, set map[string]any, then ...Mutation) Mutation {
	return Mutation{Kind: MutationUpdateByFilter, Table: table, Filter: &where, Set: set, Then: then}
}

// Effect summarizes what a batch of mutations changed.
type Effect struct {
	RowsAffected int64
	Tables       []string
}

// Touches reports whether table was written.
func (effect Effect) Touches(table string) bool {
	for _, candidate := range effect.Tables {
		if candidate == table {
			return true
		}
	}
	return false
}

// Apply runs mutations in order inside tx. It is the only write path into materialized tables.
func Apply(tx *gorm.DB, mutations []Mutation) (Effect, error) {
	touched := make(map[string]struct{})
	var total int64
	for _, mutation := range mutations {
		affected, err := applyMutation(tx, mutation, 0, touched)
		if err != nil {
			return Effect{}, err
		}
		total += affected
	}
	tables := make([]string, 0, len(touched))
	for table := range touched {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return Effect{RowsAffected: total, Tables: tables}, nil
}

func applyMutation(tx *gorm.DB, mutation Mutation, parentAffected int64, touched map[string]struct{}) (int64, error) {
	if mutation.Table == "" {
		return 0, errMissingTable
	}

	var (
		affected int64
		err      error
	)
	switch mutation.Kind {
	case MutationInsert:
		affected, err = applyInsert(tx, mutation)
	case MutationUpdateByKey:
		if mutation.Key == "" {
			return 0, errMissingKey
		}
		affected, err = applyUpdate(tx, mutation.Table, Condition{SQL: "id = ?", Args: []any{mutation.Key}}, mutation.Set, parentAffected)
	case MutationUpdateByFilter:
		if mutation.Filter == nil || strings.TrimSpace(mutation.Filter.SQL) == "" {
			return 0, errMissingFilter
		}
		affected, err = applyUpdate(tx, mutation.Table, *mutation.Filter, mutation.Set, parentAffected)
	default:
		return 0, fmt.Errorf("%w: %q", errUnknownMutation, mutation.Kind)
	}
	if err != nil {
		return 0, fmt.Errorf("state: %s %s: %w", mutation.Kind, mutation.Table, err)
	}
	if affected == 0 {
		return 0, nil
	}
	touched[mutation.Table] = struct{}{}

	total := affected
	for _, followUp := range mutation.Then {
		childAffected, err := applyMutation(tx, followUp, affected, touched)
		if err != nil {
			return 0, err
		}
		total += childAffected
	}
	return total, nil
}

func applyInsert(tx *gorm.DB, mutation Mutation) (int64, error) {
	if mutation.Row == nil {
		return 0, errMissingRow
	}
	if mutation.Guard != nil {
		var exists int64
		if err := tx.Raw("SELECT COUNT(*) FROM ("+mutation.Guard.SQL+") AS guard", mutation.Guard.Args...).
			Scan(&exists).Error; err != nil {
			return 0, err
		}
		if exists > 0 {
			return 0, nil
		}
	}

	conflict := clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}
	if len(mutation.Upsert) > 0 {
		conflict = clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(mutation.Upsert),
		}
	}
	result := tx.Clauses(conflict).Create(mutation.Row)
	return result.RowsAffected, result.Error
}

func applyUpdate(tx *gorm.DB, table string, where Condition, set map[string]any, parentAffected int64) (int64, error) {
	if len(set) == 0 {
		return 0, errEmptyAssignment
	}
	assignments := make(map[string]any, len(set))
	for column, value := range set {
		switch typed := value.(type) {
		case Adjust:
			delta := typed.Delta
			if typed.PerAffected {
				delta *= parentAffected
			}
			assignments[column] = gorm.Expr("MAX("+column+" + ?, 0)", delta)
		case Expression:
			assignments[column] = gorm.Expr(typed.SQL, typed.Args...)
		default:
			assignments[column] = value
		}
	}
	result := tx.Table(table).Where(where.SQL, where.Args...).Updates(assignments)
	return result.RowsAffected, result.Error
}
