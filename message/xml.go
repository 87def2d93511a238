package message

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/c360/stratcon/errors"
)

type xmlStatement struct {
	ID         string `xml:"id"`
	Expression string `xml:"expression"`
}

type xmlQuery struct {
	ID         string `xml:"id"`
	Name       string `xml:"name"`
	Expression string `xml:"expression"`
}

type xmlMetricNumeric struct {
	ID     string `xml:"id"`
	Name   string `xml:"name"`
	Value  string `xml:"value"`
	Remote string `xml:"remote"`
}

type xmlText struct {
	Text string `xml:",chardata"`
}

// DecodeXML decodes a control document, dispatching on its root tag.
func DecodeXML(doc []byte) (Message, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	root, err := rootElement(dec)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Decoder", "DecodeXML", "read root element")
	}

	switch root.Name.Local {
	case "StratconStatement":
		var s xmlStatement
		if err := dec.DecodeElement(&s, &root); err != nil {
			return nil, errors.WrapInvalid(err, "Decoder", "DecodeXML", "decode statement")
		}
		if s.ID == "" || s.Expression == "" {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "Decoder", "DecodeXML", "statement requires id and expression")
		}
		return StatementInstall{ID: s.ID, Query: s.Expression}, nil

	case "StratconQuery":
		var q xmlQuery
		if err := dec.DecodeElement(&q, &root); err != nil {
			return nil, errors.WrapInvalid(err, "Decoder", "DecodeXML", "decode query")
		}
		if q.ID == "" || q.Name == "" || q.Expression == "" {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "Decoder", "DecodeXML", "query requires id, name and expression")
		}
		return QueryInstall{ID: q.ID, Name: q.Name, Query: q.Expression}, nil

	case "StratconQueryStop":
		var t xmlText
		if err := dec.DecodeElement(&t, &root); err != nil {
			return nil, errors.WrapInvalid(err, "Decoder", "DecodeXML", "decode query stop")
		}
		id, err := uuid.Parse(strings.TrimSpace(t.Text))
		if err != nil {
			return nil, errors.WrapInvalid(err, "Decoder", "DecodeXML", "parse query id")
		}
		return QueryStop{ID: id.String()}, nil

	case "NoitMetricNumeric":
		var m xmlMetricNumeric
		if err := dec.DecodeElement(&m, &root); err != nil {
			return nil, errors.WrapInvalid(err, "Decoder", "DecodeXML", "decode metric")
		}
		id := Identity{Remote: m.Remote, UUID: m.ID}
		return NewMetricEvent(id, m.Name, ParseMetricValue(MetricDouble, strings.TrimSpace(m.Value))), nil

	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownTag, root.Name.Local),
			"Decoder", "DecodeXML", "dispatch root element")
	}
}

func rootElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return xml.StartElement{}, fmt.Errorf("%w: empty document", errors.ErrInvalidData)
		}
		if err != nil {
			return xml.StartElement{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}
