// Package nrml classifies uploaded NRML (natural hazards risk markup
// language) documents without loading them into memory.
package nrml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
)

// Namespace is the XML namespace of NRML documents.
const Namespace = "http://openquake.org/xmlns/nrml/0.4"

const (
	rootTag        = "nrml"
	sourceModelTag = "sourceModel"
)

// FormatError reports a document that is not a NRML artifact.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("input file is not a NRML artifact: %s: %v", e.Reason, e.Err)
	}
	return "input file is not a NRML artifact: " + e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }

// IsSourceModel reports whether the NRML document read from r is a seismic
// source model. Only the first two element events are decoded. The root must
// be the NRML root element, otherwise a *FormatError is returned.
func IsSourceModel(r io.Reader) (bool, error) {
	dec := xml.NewDecoder(r)

	root, err := nextElement(dec)
	if err != nil {
		return false, &FormatError{Reason: "no root element", Err: err}
	}
	start, ok := root.(xml.StartElement)
	if !ok || start.Name.Space != Namespace || start.Name.Local != rootTag {
		return false, &FormatError{Reason: fmt.Sprintf("root element is %s", describe(root))}
	}

	second, err := nextElement(dec)
	if err != nil {
		return false, &FormatError{Reason: "truncated document", Err: err}
	}
	model, ok := second.(xml.StartElement)
	if !ok {
		// An empty <nrml/> element.
		return false, nil
	}
	return model.Name.Space == Namespace && model.Name.Local == sourceModelTag, nil
}

// IsSourceModelFile is IsSourceModel for the file at path.
func IsSourceModelFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	return IsSourceModel(f)
}

// nextElement returns the next start or end element token.
func nextElement(dec *xml.Decoder) (xml.Token, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t.Copy(), nil
		case xml.EndElement:
			return t, nil
		}
	}
}

func describe(tok xml.Token) string {
	switch t := tok.(type) {
	case xml.StartElement:
		return fmt.Sprintf("{%s}%s", t.Name.Space, t.Name.Local)
	case xml.EndElement:
		return fmt.Sprintf("closing {%s}%s", t.Name.Space, t.Name.Local)
	}
	return "unknown"
}
