// Package runcmd implements the `sourcing run` command: it opens the
// store, starts one indexing pipeline with the built-in envelope
// mapper, and blocks until interrupted. Mapped documents go to an
// output log in the same store or, by default, to standard output as
// JSON lines.
package runcmd
