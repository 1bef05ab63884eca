// Package testutil contains helper builders and utilities used across tests
// to reduce boilerplate when constructing session records, turns and
// recording loggers. They are not intended for production usage.
package testutil
