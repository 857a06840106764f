// Package errs holds the error kinds shared across the tagger packages.
//
// Every failure returned by this module wraps exactly one of these kinds, so callers
// can branch with errors.Is without depending on concrete error types.
package errs

import "errors"

var (
	// ErrArtifact reports a hub or cache failure while fetching model files.
	ErrArtifact = errors.New("artifact retrieval error")
	// ErrEngine reports a runtime, session or device failure.
	ErrEngine = errors.New("engine error")
	// ErrConfigParse reports a malformed model metadata document or invalid tagging options.
	ErrConfigParse = errors.New("config parse error")
	// ErrTagParse reports a malformed tag table or a probability vector of the wrong length.
	ErrTagParse = errors.New("tag parse error")
	// ErrProcessor reports an invalid input shape or an image that cannot be preprocessed.
	ErrProcessor = errors.New("processor error")
)
