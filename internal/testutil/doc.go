// Package testutil provides a controllable clock and HTTP request builders
// for the guard's package tests.
package testutil
