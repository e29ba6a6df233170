// Package markup scans arbitrary, often malformed, HTML documents and
// extracts the pieces linkback processing needs: outbound links, a document
// title, and short text excerpts around anchors to a given URI.
//
// Extraction never fails. Input the scanner cannot make sense of degrades to
// an empty result.
package markup
