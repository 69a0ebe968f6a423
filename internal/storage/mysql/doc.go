// Package mysql provides the MySQL connection helper, embedded schema
// migrations and the SQL implementation of the persistence hooks.
package mysql
