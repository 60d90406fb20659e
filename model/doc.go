// Package model defines the normalized text-generation contract used by
// model-backed capabilities, with provider adapters in subpackages.
package model
