// Package document implements the file-based document representation.
//
// A document file is a YAML frontmatter header between "---" fences
// followed by a free-form markdown body:
//
//	---
//	id: finding-2024-003
//	type: finding
//	_schema_version: 2
//	confidence: 0.5
//	refs:
//	  - field: relates_to
//	    target: finding-2024-001
//	    type: finding
//	---
//	The quarterly budget review showed...
//
// The codec round-trips the header through the yaml.v3 node API so that
// comments, key ordering and the formatting of untouched fields survive a
// single-field edit. Files are the ground truth; everything the index
// derives from them (including the block segmentation in blocks.go) can
// be rebuilt from the file alone.
package document
