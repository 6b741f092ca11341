// Package config parses container definition files. Validation happens
// here so the core packages only ever see fully-resolved specs.
package config
