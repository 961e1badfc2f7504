// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package env abstracts environment variable access so components that
// resolve configuration from the environment can be tested without mutating
// the process environment.
package env

import "os"

//go:generate mockgen -destination=mocks/mock_env.go -package=mocks -source=env.go Reader

// Reader reads environment variables.
type Reader interface {
	// Getenv returns the value of the named variable, or "" if unset.
	Getenv(key string) string

	// LookupEnv returns the value of the named variable and whether it is
	// set, distinguishing an unset variable from one set to the empty string.
	LookupEnv(key string) (string, bool)

	// Environ returns a copy of the full environment in "key=value" form.
	Environ() []string
}

// OSReader reads from the real process environment.
type OSReader struct{}

// Getenv implements Reader.
func (*OSReader) Getenv(key string) string {
	return os.Getenv(key)
}

// LookupEnv implements Reader.
func (*OSReader) LookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Environ implements Reader.
func (*OSReader) Environ() []string {
	return os.Environ()
}
