// Package id generates 128-bit, time-ordered identifiers used for event
// source records. IDs sort lexicographically in generation order, which
// keeps key-value scans over id-prefixed keys in arrival order.
package id
