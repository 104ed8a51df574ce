package state

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// ErrInvalidSelection reports a selection that names unknown tables, columns or operators.
var ErrInvalidSelection = errors.New("state: invalid selection")

const maxSelectLimit = 1000

// Operator is a comparison supported by direct selections.
type Operator string

const (
	OpEqual        Operator = "eq"
	OpNotEqual     Operator = "ne"
	OpLess         Operator = "lt"
	OpLessEqual    Operator = "lte"
	OpGreater      Operator = "gt"
	OpGreaterEqual Operator = "gte"
	OpLike         Operator = "like"
	OpIn           Operator = "in"
	OpIsNull       Operator = "is_null"
	OpNotNull      Operator = "not_null"
)

var operatorSQL = map[Operator]string{
	OpEqual:        "= ?",
	OpNotEqual:     "<> ?",
	OpLess:         "< ?",
	OpLessEqual:    "<= ?",
	OpGreater:      "> ?",
	OpGreaterEqual: ">= ?",
	OpLike:         "LIKE ?",
	OpIn:           "IN ?",
	OpIsNull:       "IS NULL",
	OpNotNull:      "IS NOT NULL",
}

// Filter compares one column against a bound value.
type Filter struct {
	Column string   `json:"column"`
	Op     Operator `json:"op"`
	Value  any      `json:"value,omitempty"`
}

// Sort orders by one column.
type Sort struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending,omitempty"`
}

// Selection describes a single-table read. Soft-deleted rows are excluded unless IncludeDeleted is set.
type Selection struct {
	Table          string   `json:"table"`
	Where          []Filter `json:"where,omitempty"`
	OrderBy        []Sort   `json:"orderBy,omitempty"`
	Columns        []string `json:"columns,omitempty"`
	Limit          int      `json:"limit,omitempty"`
	Offset         int      `json:"offset,omitempty"`
	IncludeDeleted bool     `json:"includeDeleted,omitempty"`
}

// Reader serves direct table reads against the materialized state.
type Reader struct {
	db      *gorm.DB
	columns map[string]map[string]struct{}
}

// NewReader parses the materialized models so selections can be checked before any SQL runs.
func NewReader(db *gorm.DB) (*Reader, error) {
	if db == nil {
		return nil, errors.New("state: database handle is required")
	}
	cache := &sync.Map{}
	columns := make(map[string]map[string]struct{})
	for _, model := range Models() {
		parsed, err := schema.Parse(model, cache, db.NamingStrategy)
		if err != nil {
			return nil, fmt.Errorf("state: parse model: %w", err)
		}
		known := make(map[string]struct{}, len(parsed.DBNames))
		for _, name := range parsed.DBNames {
			known[name] = struct{}{}
		}
		columns[parsed.Table] = known
	}
	return &Reader{db: db, columns: columns}, nil
}

// Select returns matching rows keyed by column name.
func (r *Reader) Select(ctx context.Context, selection Selection) ([]map[string]any, error) {
	query, err := r.build(ctx, selection.Table, selection.Where, selection.IncludeDeleted)
	if err != nil {
		return nil, err
	}
	if selection.Limit < 0 || selection.Offset < 0 {
		return nil, fmt.Errorf("%w: negative limit or offset", ErrInvalidSelection)
	}
	if len(selection.Columns) > 0 {
		for _, column := range selection.Columns {
			if !r.hasColumn(selection.Table, column) {
				return nil, fmt.Errorf("%w: unknown column %q", ErrInvalidSelection, column)
			}
		}
		query = query.Select(selection.Columns)
	}
	for _, order := range selection.OrderBy {
		if !r.hasColumn(selection.Table, order.Column) {
			return nil, fmt.Errorf("%w: unknown sort column %q", ErrInvalidSelection, order.Column)
		}
		direction := "ASC"
		if order.Descending {
			direction = "DESC"
		}
		query = query.Order(order.Column + " " + direction)
	}
	limit := selection.Limit
	if limit == 0 || limit > maxSelectLimit {
		limit = maxSelectLimit
	}
	query = query.Limit(limit).Offset(selection.Offset)

	rows := make([]map[string]any, 0)
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns the number of rows in table matching filters.
func (r *Reader) Count(ctx context.Context, table string, filters []Filter, includeDeleted bool) (int64, error) {
	query, err := r.build(ctx, table, filters, includeDeleted)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *Reader) build(ctx context.Context, table string, filters []Filter, includeDeleted bool) (*gorm.DB, error) {
	if _, ok := r.columns[table]; !ok {
		return nil, fmt.Errorf("%w: unknown table %q", ErrInvalidSelection, table)
	}
	query := r.db.WithContext(ctx).Table(table)
	for _, filter := range filters {
		if !r.hasColumn(table, filter.Column) {
			return nil, fmt.Errorf("%w: unknown column %q", ErrInvalidSelection, filter.Column)
		}
		fragment, ok := operatorSQL[filter.Op]
		if !ok {
			return nil, fmt.Errorf("%w: unsupported operator %q", ErrInvalidSelection, filter.Op)
		}
		if err := checkFilterValue(filter); err != nil {
			return nil, err
		}
		condition := filter.Column + " " + fragment
		if strings.Contains(fragment, "?") {
			query = query.Where(condition, filter.Value)
		} else {
			query = query.Where(condition)
		}
	}
	if !includeDeleted && SoftDeletable(table) {
		query = query.Scopes(Live(""))
	}
	return query, nil
}

// checkFilterValue matches the value's shape to the operator: a non-empty list of scalars for
// in, no value for the null checks, and a single scalar for everything else.
func checkFilterValue(filter Filter) error {
	switch filter.Op {
	case OpIsNull, OpNotNull:
		if filter.Value != nil {
			return fmt.Errorf("%w: %s on %q takes no value", ErrInvalidSelection, filter.Op, filter.Column)
		}
	case OpIn:
		list := reflect.ValueOf(filter.Value)
		if !isList(list) || list.Len() == 0 {
			return fmt.Errorf("%w: in on %q needs a non-empty list", ErrInvalidSelection, filter.Column)
		}
		for i := 0; i < list.Len(); i++ {
			if !isScalar(list.Index(i).Interface()) {
				return fmt.Errorf("%w: in on %q holds a non-scalar value", ErrInvalidSelection, filter.Column)
			}
		}
	default:
		if !isScalar(filter.Value) {
			return fmt.Errorf("%w: %s on %q needs a single non-null value", ErrInvalidSelection, filter.Op, filter.Column)
		}
	}
	return nil
}

func isList(value reflect.Value) bool {
	if !value.IsValid() {
		return false
	}
	kind := value.Kind()
	if kind == reflect.Slice && value.Type().Elem().Kind() == reflect.Uint8 {
		return false
	}
	return kind == reflect.Slice || kind == reflect.Array
}

func isScalar(value any) bool {
	if value == nil {
		return false
	}
	reflected := reflect.ValueOf(value)
	for reflected.Kind() == reflect.Pointer || reflected.Kind() == reflect.Interface {
		if reflected.IsNil() {
			return false
		}
		reflected = reflected.Elem()
	}
	switch reflected.Kind() {
	case reflect.Map, reflect.Chan, reflect.Func:
		return false
	case reflect.Slice, reflect.Array:
		return reflected.Type().Elem().Kind() == reflect.Uint8
	}
	return true
}

func (r *Reader) hasColumn(table, column string) bool {
	_, ok := r.columns[table][column]
	return ok
}
