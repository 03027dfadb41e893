// Package mysql provides the MySQL-backed user catalogue for the
// authentication service, including embedded schema migrations.
package mysql
