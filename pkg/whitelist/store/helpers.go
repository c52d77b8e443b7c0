package store

import (
	"context"

	"gorm.io/gorm"
)

// Generic GORM helpers shared by the store implementation files. They are
// package-internal and operate on the raw *gorm.DB so they compose with
// both the root connection and transaction-bound stores. Each handles the
// standard concerns: context propagation and not-found error conversion.

// getByField retrieves a single record of type T by matching field=value,
// converting gorm.ErrRecordNotFound to the provided notFoundErr.
func getByField[T any](db *gorm.DB, ctx context.Context, field string, value any, notFoundErr error) (*T, error) {
	var result T
	if err := db.WithContext(ctx).Where(field+" = ?", value).First(&result).Error; err != nil {
		return nil, convertNotFoundError(err, notFoundErr)
	}
	return &result, nil
}

// listWhere retrieves all records of type T matching the given condition,
// with optional ordering. Returns an empty slice (not nil) on success with
// no records.
func listWhere[T any](db *gorm.DB, ctx context.Context, order string, query any, args ...any) ([]*T, error) {
	var results []*T
	q := db.WithContext(ctx).Where(query, args...)
	if order != "" {
		q = q.Order(order)
	}
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	if results == nil {
		results = []*T{}
	}
	return results, nil
}
