package txretry

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Class groups database errors by how the executor reacts to them.
type Class int

const (
	// ClassPermanent aborts immediately.
	ClassPermanent Class = iota
	// ClassTransient is retried with backoff.
	ClassTransient
	// ClassUniqueViolation is returned to the caller unless the policy opts in to retrying it.
	ClassUniqueViolation
)

// String returns a metric-friendly label.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassUniqueViolation:
		return "unique_violation"
	default:
		return "permanent"
	}
}

// Classifier maps a database error onto a Class.
type Classifier interface {
	Classify(err error) Class
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(err error) Class

// Classify implements Classifier.
func (f ClassifierFunc) Classify(err error) Class {
	return f(err)
}

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"
	dialectMySQL    = "mysql"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
	pgUniqueViolation      = "23505"
)

const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
	mysqlLockNowait      = 3572
	mysqlDuplicateEntry  = 1062
)

// GormClassifier recognises dialect-independent errors surfaced by gorm's error translation.
var GormClassifier = ClassifierFunc(func(err error) Class {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ClassUniqueViolation
	}
	return ClassPermanent
})

// SQLiteClassifier recognises busy/locked databases and unique-constraint failures.
var SQLiteClassifier = ClassifierFunc(func(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "database is locked"),
		strings.Contains(message, "database table is locked"),
		strings.Contains(message, "sqlite_busy"),
		strings.Contains(message, "sqlite_locked"):
		return ClassTransient
	case strings.Contains(message, "unique constraint failed"):
		return ClassUniqueViolation
	default:
		return ClassPermanent
	}
})

// PostgresClassifier recognises serialization failures, deadlocks, lock timeouts and unique violations.
var PostgresClassifier = ClassifierFunc(func(err error) Class {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ClassPermanent
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable, pgQueryCanceled:
		return ClassTransient
	case pgUniqueViolation:
		return ClassUniqueViolation
	default:
		return ClassPermanent
	}
})

// MySQLClassifier recognises InnoDB deadlocks, lock wait timeouts and duplicate keys.
var MySQLClassifier = ClassifierFunc(func(err error) Class {
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		return ClassPermanent
	}
	switch mysqlErr.Number {
	case mysqlDeadlock, mysqlLockWaitTimeout, mysqlLockNowait:
		return ClassTransient
	case mysqlDuplicateEntry:
		return ClassUniqueViolation
	default:
		return ClassPermanent
	}
})

// ChainClassifier returns the first non-permanent classification among classifiers.
func ChainClassifier(classifiers ...Classifier) Classifier {
	return ClassifierFunc(func(err error) Class {
		if err == nil {
			return ClassPermanent
		}
		for _, classifier := range classifiers {
			if classifier == nil {
				continue
			}
			if class := classifier.Classify(err); class != ClassPermanent {
				return class
			}
		}
		return ClassPermanent
	})
}

// ClassifierFor returns the classifier matching a gorm dialector name.
// Unknown names get every engine classifier.
func ClassifierFor(dialect string) Classifier {
	switch strings.ToLower(strings.TrimSpace(dialect)) {
	case dialectSQLite:
		return ChainClassifier(GormClassifier, SQLiteClassifier)
	case dialectPostgres:
		return ChainClassifier(GormClassifier, PostgresClassifier)
	case dialectMySQL:
		return ChainClassifier(GormClassifier, MySQLClassifier)
	default:
		return ChainClassifier(GormClassifier, PostgresClassifier, MySQLClassifier, SQLiteClassifier)
	}
}
